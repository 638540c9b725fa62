// Command vorsting runs a multi-agent artifact-convergence session: a
// population of creator models drafts an artifact, reviewers critique it
// against a rubric, and the round controller drives the loop until the
// artifacts converge, escalate or run out of rounds.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bdarlt/vors-ting/internal/config"
	"github.com/bdarlt/vors-ting/internal/convergence"
	"github.com/bdarlt/vors-ting/internal/logging"
	"github.com/bdarlt/vors-ting/internal/metrics"
	"github.com/bdarlt/vors-ting/internal/orchestrator"
	"github.com/bdarlt/vors-ting/internal/provider"
	"github.com/bdarlt/vors-ting/internal/safeguard"
	"github.com/bdarlt/vors-ting/internal/server"
	"github.com/bdarlt/vors-ting/internal/similarity"
	"github.com/bdarlt/vors-ting/internal/store"
	"github.com/bdarlt/vors-ting/internal/trust"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", "vorsting.yaml", "path to the run configuration")
		taskFlag    = flag.String("task", "", "override the configured task")
		serve       = flag.Bool("serve", false, "start the read API even when the config leaves it disabled")
		quiet       = flag.Bool("quiet", false, "suppress all log output")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vorsting %s\n", version)
		return 0
	}

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vorsting: %v\n", err)
		return 1
	}
	if *taskFlag != "" {
		cfg.Task = *taskFlag
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if *quiet {
		log = logging.Quiet()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()
	log.WithFields(logrus.Fields{
		"run_id":  runID,
		"version": version,
		"task":    cfg.Task,
	}).Info("vorsting starting")

	db, err := store.Open(ctx, cfg.Storage.SQLitePath, log)
	if err != nil {
		log.WithError(err).Error("Failed to open store")
		return 1
	}
	defer db.Close()

	collector := metrics.NewCollector()
	oracle, err := buildOracle(cfg, collector, log)
	if err != nil {
		log.WithError(err).Error("Failed to build similarity oracle")
		return 1
	}

	engine := trust.NewEngine(cfg.ToTrust(), oracle, log)
	records, err := db.Agents.LoadAll(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to hydrate trust state")
		return 1
	}
	engine.Hydrate(records)
	log.WithField("agents", len(records)).Info("Trust state hydrated")

	gold, err := cfg.GoldRubric()
	if err != nil {
		log.WithError(err).Error("Failed to load gold rubric")
		return 1
	}
	safeguards := safeguard.NewManager(cfg.ToSafeguard(), engine, oracle, gold, log)
	defer safeguards.Close()
	if cfg.Rubric.LivingPath != "" {
		if err := safeguards.WatchLiving(ctx, cfg.Rubric.LivingPath, nil); err != nil {
			log.WithError(err).Warn("Living rubric watch unavailable")
		}
	}

	interactions := provider.NewInteractionLog()
	creators, reviewers, classifierModel, err := buildAgents(cfg, collector, interactions)
	if err != nil {
		log.WithError(err).Error("Failed to build agents")
		return 1
	}

	detector := convergence.NewDetector(cfg.ToConvergence(), oracle,
		convergence.NewClassifier(classifierModel, log), log)

	events, err := store.OpenEventLog(cfg.Storage.EventLogDir, runID)
	if err != nil {
		log.WithError(err).Error("Failed to open event log")
		return 1
	}
	defer events.Close()

	controller, err := orchestrator.NewController(cfg.ToRun(runID), creators, reviewers,
		detector, engine, safeguards, oracle, log,
		orchestrator.WithCollector(collector),
		orchestrator.WithSink(orchestrator.NewStoreSink(db)),
		orchestrator.WithEvents(events),
		orchestrator.WithInteractions(interactions))
	if err != nil {
		log.WithError(err).Error("Failed to build controller")
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	if *serve || cfg.Server.Enabled {
		api := server.New(db, engine, collector, log)
		g.Go(func() error {
			return api.ListenAndServe(gctx, cfg.Server.Addr)
		})
	}

	result, err := controller.Run(gctx)
	if err != nil {
		log.WithError(err).Error("Run failed")
		stop()
		_ = g.Wait()
		return 1
	}

	if dir, err := controller.WriteOutput(result); err != nil {
		log.WithError(err).Warn("Failed to write run output")
	} else if dir != "" {
		result.OutputDir = dir
		log.WithField("dir", dir).Info("Run output written")
	}

	code := reportOutcome(log, controller, result)
	stop()
	_ = g.Wait()
	return code
}

func buildOracle(cfg *config.Config, collector *metrics.Collector, log *logrus.Logger) (similarity.Oracle, error) {
	var base similarity.Oracle
	if cfg.Similarity.OracleURL != "" {
		oracle, err := similarity.NewHTTPOracle(cfg.Similarity.OracleURL, 30*time.Second)
		if err != nil {
			return nil, err
		}
		base = oracle
	} else {
		base = similarity.NewLexical()
	}
	if cfg.Storage.RedisAddr == "" {
		return base, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
	ttl := time.Duration(cfg.Storage.CacheTTLHours) * time.Hour
	return similarity.NewCached(base, client, ttl, log, similarity.WithCollector(collector)), nil
}

// buildAgents maps agent configs onto wired content models. The first
// reviewer's model doubles as the dissent classification fallback.
func buildAgents(cfg *config.Config, collector *metrics.Collector, interactions *provider.InteractionLog) ([]orchestrator.Agent, []orchestrator.Agent, provider.ContentModel, error) {
	retry := cfg.ToRetry()
	var creators, reviewers []orchestrator.Agent
	var classifierModel provider.ContentModel

	for _, ac := range cfg.Agents {
		var model provider.ContentModel
		switch ac.Provider {
		case "mock":
			model = provider.NewMockModel()
		default:
			httpModel, err := provider.NewHTTPModel(provider.HTTPConfig{
				BaseURL: ac.BaseURL,
				APIKey:  ac.APIKey,
				Model:   ac.Model,
				Timeout: retry.CallTimeout,
			})
			if err != nil {
				return nil, nil, nil, fmt.Errorf("agent %q: %w", ac.Name, err)
			}
			model = httpModel
		}
		model = provider.NewRetryingModel(model, retry, nil, provider.WithCollector(collector))
		model = provider.NewRecordingModel(model, ac.Name, interactions)

		agent := orchestrator.Agent{
			Name:  ac.Name,
			Role:  trust.Role(ac.Role),
			Model: model,
		}
		switch agent.Role {
		case trust.RoleReviewer:
			reviewers = append(reviewers, agent)
			if classifierModel == nil {
				classifierModel = model
			}
		default:
			creators = append(creators, agent)
		}
	}
	return creators, reviewers, classifierModel, nil
}

func reportOutcome(log *logrus.Logger, controller *orchestrator.Controller, result *orchestrator.RunResult) int {
	fields := logrus.Fields{
		"run_id":  result.RunID,
		"verdict": result.Verdict,
		"rounds":  result.Rounds,
	}
	switch controller.State() {
	case orchestrator.StateConverged:
		log.WithFields(fields).Info("Run converged")
		return 0
	case orchestrator.StateMaxRounds:
		log.WithFields(fields).Warn("Round limit reached without convergence")
		return 2
	case orchestrator.StateEscalated:
		log.WithFields(fields).Warn("Run escalated for human review")
		return 3
	case orchestrator.StatePaused:
		log.WithFields(logrus.Fields{
			"run_id":      result.RunID,
			"round":       controller.Round(),
			"unavailable": controller.Unavailable(),
		}).Error("Run paused; last completed artifacts are preserved")
		return 4
	default:
		log.WithFields(fields).Error("Run ended in unexpected state")
		return 1
	}
}
