package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bdarlt/vors-ting/internal/convergence"
	"github.com/bdarlt/vors-ting/internal/provider"
	"github.com/bdarlt/vors-ting/internal/store"
)

// phaseRun tracks availability across one phase's concurrent calls. When
// the benched fraction crosses the pause limit it cancels the phase so
// still-running calls stop instead of burning provider budget.
type phaseRun struct {
	mu         sync.Mutex
	benched    map[string]string
	population int
	limit      float64
	cancel     context.CancelFunc
	exceeded   bool
}

func newPhaseRun(population int, limit float64, cancel context.CancelFunc) *phaseRun {
	return &phaseRun{
		benched:    make(map[string]string),
		population: population,
		limit:      limit,
		cancel:     cancel,
	}
}

// bench marks one agent unavailable and reports whether the population
// limit has now been exceeded.
func (p *phaseRun) bench(agent, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.benched[agent] = reason
	if float64(len(p.benched))/float64(p.population) > p.limit && !p.exceeded {
		p.exceeded = true
		p.cancel()
	}
	return p.exceeded
}

func (p *phaseRun) failed() (map[string]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.benched))
	for k, v := range p.benched {
		out[k] = v
	}
	return out, p.exceeded
}

// callCtx applies the per-call timeout on top of the phase context.
func (c *Controller) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Controller) stepGenerate(ctx context.Context) error {
	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := newPhaseRun(len(c.creators), c.cfg.PauseFraction, cancel)

	results := make([]string, len(c.creators))
	g, gctx := errgroup.WithContext(phaseCtx)
	for i, agent := range c.creators {
		g.Go(func() error {
			callCtx, done := c.callCtx(gctx)
			defer done()
			text, err := agent.Model.Generate(callCtx, &provider.GenerateRequest{
				Task:    c.cfg.Task,
				Context: c.cfg.Context,
			})
			if err != nil {
				c.benchAgent(run, agent.Name, "generate", err)
				return nil
			}
			results[i] = text
			return nil
		})
	}
	g.Wait()

	benched, exceeded := run.failed()
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, reason := range benched {
		c.unavailable[name] = reason
	}
	for i, agent := range c.creators {
		if results[i] != "" {
			c.artifacts[agent.Name] = results[i]
		}
	}

	if exceeded || len(c.artifacts) == 0 {
		return c.pauseLocked(StateGenerate, "generation failed for too many creators")
	}
	c.log.WithFields(logrus.Fields{
		"run_id":    c.cfg.RunID,
		"artifacts": len(c.artifacts),
		"benched":   len(benched),
	}).Info("Generation complete")
	c.state = StateReview
	return nil
}

// reviewTask pairs one reviewing agent with one artifact to evaluate.
type reviewTask struct {
	reviewer Agent
	artifact string // owning agent
}

func (c *Controller) reviewTasks() []reviewTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	var tasks []reviewTask
	switch c.cfg.Mode {
	case ModePolyadic:
		for _, reviewer := range c.creators {
			if _, benched := c.unavailable[reviewer.Name]; benched {
				continue
			}
			for owner := range c.artifacts {
				if owner == reviewer.Name {
					continue
				}
				tasks = append(tasks, reviewTask{reviewer: reviewer, artifact: owner})
			}
		}
	default:
		for _, reviewer := range c.reviewers {
			for owner := range c.artifacts {
				tasks = append(tasks, reviewTask{reviewer: reviewer, artifact: owner})
			}
		}
	}
	return tasks
}

func (c *Controller) reviewerNames() []string {
	var names []string
	if c.cfg.Mode == ModePolyadic {
		for _, a := range c.creators {
			names = append(names, a.Name)
		}
	} else {
		for _, a := range c.reviewers {
			names = append(names, a.Name)
		}
	}
	return names
}

func (c *Controller) stepReview(ctx context.Context) error {
	// The Devil's Advocate is assigned before any review call so the
	// assignment can reframe that reviewer's prompt.
	da, assigned := c.safeguards.SelectAdvocate(c.reviewerNames())
	c.mu.Lock()
	if assigned {
		c.daAgent = da
	}
	round := c.round
	artifacts := copyMap(c.artifacts)
	c.mu.Unlock()

	if c.collector != nil {
		outcome := "skipped"
		if assigned {
			outcome = "assigned"
		}
		c.collector.AdvocateSelections.WithLabelValues(outcome).Inc()
	}
	if assigned {
		c.appendEvent(store.LogEntry{
			Round: round, Type: store.EventSafeguard, Agent: da,
			Payload: map[string]string{"action": "devils_advocate_assigned"},
		})
	}

	tasks := c.reviewTasks()
	if len(tasks) == 0 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.pauseLocked(StateReview, "no review pairings available")
	}

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := newPhaseRun(len(c.reviewerNames()), c.cfg.PauseFraction, cancel)
	living := c.safeguards.LivingRubric()

	type outcome struct {
		review  convergence.Review
		dissent bool
	}
	results := make([]*outcome, len(tasks))
	g, gctx := errgroup.WithContext(phaseCtx)
	for i, task := range tasks {
		g.Go(func() error {
			callCtx, done := c.callCtx(gctx)
			defer done()
			res, err := task.reviewer.Model.Review(callCtx, &provider.ReviewRequest{
				Artifact:    artifacts[task.artifact],
				Rubric:      living,
				Adversarial: assigned && task.reviewer.Name == da,
			})
			if err != nil {
				c.benchAgent(run, task.reviewer.Name, "review", err)
				return nil
			}
			results[i] = &outcome{
				review: convergence.Review{
					Reviewer:      task.reviewer.Name,
					Artifact:      task.artifact,
					Accept:        res.Accept,
					Score:         res.Overall,
					Feedback:      res.Feedback,
					Dissent:       res.Dissent,
					CitedCriteria: res.CitedCriteria,
					Adversarial:   assigned && task.reviewer.Name == da,
				},
				dissent: res.Dissent != "",
			}
			return nil
		})
	}
	g.Wait()

	benched, exceeded := run.failed()

	// Dissents are appended outside the fan-out: the engine serializes
	// per agent, but collecting first keeps the round barrier obvious.
	var reviews []convergence.Review
	for _, out := range results {
		if out != nil {
			reviews = append(reviews, out.review)
		}
	}

	c.mu.Lock()
	for name, reason := range benched {
		c.unavailable[name] = reason
	}
	if exceeded {
		// Nothing is committed from an interrupted attempt: Resume
		// re-runs the whole phase, and a partial set left behind here
		// would double-count votes and feedback.
		defer c.mu.Unlock()
		return c.pauseLocked(StateReview, "too many reviewers unavailable")
	}
	c.reviews = append(c.reviews, reviews...)
	for _, rv := range reviews {
		if rv.Feedback != "" {
			c.feedback[rv.Artifact] = append(c.feedback[rv.Artifact], rv.Feedback)
		}
	}
	c.state = StateRefine
	c.mu.Unlock()

	for _, out := range results {
		if out == nil || !out.dissent {
			continue
		}
		ev, err := c.engine.RecordDissent(ctx, out.review.Reviewer, round, out.review.Dissent, out.review.CitedCriteria)
		if err != nil {
			c.log.WithError(err).WithField("agent", out.review.Reviewer).Warn("Failed to record dissent")
			continue
		}
		c.mu.Lock()
		c.dissents++
		c.pending = append(c.pending, pendingImpact{
			agent:    out.review.Reviewer,
			eventID:  ev.ID,
			artifact: out.review.Artifact,
		})
		c.mu.Unlock()
		c.appendEvent(store.LogEntry{
			Round: round, Type: store.EventDissent, Agent: out.review.Reviewer, Payload: ev,
		})
	}

	c.log.WithFields(logrus.Fields{
		"run_id":  c.cfg.RunID,
		"round":   round,
		"reviews": len(reviews),
		"benched": len(benched),
	}).Info("Review complete")
	return nil
}

func (c *Controller) stepRefine(ctx context.Context) error {
	c.mu.Lock()
	c.previous = copyMap(c.artifacts)
	artifacts := copyMap(c.artifacts)
	feedback := make(map[string]string, len(c.feedback))
	for owner, notes := range c.feedback {
		feedback[owner] = strings.Join(notes, "\n\n")
	}
	c.mu.Unlock()

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := newPhaseRun(len(c.creators), c.cfg.PauseFraction, cancel)

	revised := make([]string, len(c.creators))
	g, gctx := errgroup.WithContext(phaseCtx)
	for i, agent := range c.creators {
		text, ok := artifacts[agent.Name]
		if !ok {
			continue
		}
		// Nothing to refine against; the artifact carries over.
		if feedback[agent.Name] == "" {
			revised[i] = text
			continue
		}
		g.Go(func() error {
			callCtx, done := c.callCtx(gctx)
			defer done()
			out, err := agent.Model.Refine(callCtx, &provider.RefineRequest{
				Artifact: text,
				Feedback: feedback[agent.Name],
			})
			if err != nil {
				c.benchAgent(run, agent.Name, "refine", err)
				return nil
			}
			revised[i] = out
			return nil
		})
	}
	g.Wait()

	benched, exceeded := run.failed()
	c.mu.Lock()
	for name, reason := range benched {
		c.unavailable[name] = reason
	}
	for i, agent := range c.creators {
		if revised[i] != "" {
			c.artifacts[agent.Name] = revised[i]
		}
	}
	pending := c.pending
	c.pending = nil
	if exceeded {
		// Impacts stay pending; the retried phase finalizes them.
		c.pending = pending
		defer c.mu.Unlock()
		return c.pauseLocked(StateRefine, "too many creators unavailable")
	}
	previous := copyMap(c.previous)
	current := copyMap(c.artifacts)
	c.state = StateConvergence
	c.mu.Unlock()

	c.finalizeImpacts(ctx, pending, previous, current)
	return nil
}

// finalizeImpacts resolves each round dissent: it was impactful when the
// artifact it targeted materially changed during refine.
func (c *Controller) finalizeImpacts(ctx context.Context, pending []pendingImpact, previous, current map[string]string) {
	for _, p := range pending {
		before, okB := previous[p.artifact]
		after, okA := current[p.artifact]
		impact := false
		if okB && okA {
			score, err := c.oracle.Similarity(ctx, before, after)
			if err != nil {
				c.log.WithError(err).WithField("artifact", p.artifact).Warn("Impact similarity check failed")
				continue
			}
			impact = score < c.cfg.ImpactThreshold
		}
		if err := c.engine.FinalizeDissentImpact(p.agent, p.eventID, impact); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"agent": p.agent,
				"event": p.eventID,
			}).Warn("Failed to finalize dissent impact")
		}
	}
}

// benchAgent records a per-agent failure, classifying it for metrics.
func (c *Controller) benchAgent(run *phaseRun, agent, op string, err error) {
	reason := fmt.Sprintf("%s failed: %v", op, err)
	c.log.WithError(err).WithFields(logrus.Fields{
		"agent":     agent,
		"operation": op,
	}).Warn("Agent unavailable for this round")
	if c.collector != nil {
		class := "persistent"
		if provider.IsRetryable(err) {
			class = "transient"
		}
		c.collector.ProviderErrors.WithLabelValues(op, class).Inc()
	}
	run.bench(agent, reason)
}

// pauseLocked transitions to Paused, remembering the interrupted phase.
// Callers hold c.mu.
func (c *Controller) pauseLocked(phase State, reason string) error {
	c.resumeState = phase
	c.state = StatePaused
	c.log.WithFields(logrus.Fields{
		"run_id":      c.cfg.RunID,
		"round":       c.round,
		"phase":       phase,
		"reason":      reason,
		"unavailable": c.unavailable,
	}).Error("Run paused; operator action required")
	c.appendEvent(store.LogEntry{
		Round: c.round, Type: store.EventSafeguard,
		Payload: map[string]interface{}{
			"action":      "paused",
			"phase":       string(phase),
			"reason":      reason,
			"unavailable": c.unavailable,
		},
	})
	return nil
}

func (c *Controller) appendEvent(entry store.LogEntry) {
	if err := c.events.Append(entry); err != nil {
		c.log.WithError(err).Warn("Failed to append event log entry")
	}
}
