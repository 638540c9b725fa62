package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// artifactExtensions maps artifact types to output file extensions.
var artifactExtensions = map[string]string{
	"adr":          "md",
	"test":         "py",
	"doc":          "md",
	"cursor-rules": "mdc",
	"meeting":      "md",
	"generic":      "txt",
}

// ArtifactExtension returns the file extension for an artifact type,
// defaulting to txt.
func ArtifactExtension(artifactType string) string {
	if ext, ok := artifactExtensions[artifactType]; ok {
		return ext
	}
	return "txt"
}

// RunOutput is everything written to the run's output directory.
type RunOutput struct {
	RunID        string            `json:"run_id"`
	Task         string            `json:"task"`
	ArtifactType string            `json:"artifact_type"`
	Mode         string            `json:"mode"`
	Verdict      string            `json:"verdict"`
	Rounds       int               `json:"rounds_completed"`
	MaxRounds    int               `json:"rounds_configured"`
	Artifacts    map[string]string `json:"artifacts"`
	History      interface{}       `json:"round_history,omitempty"`
	Interactions interface{}       `json:"interactions,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// WriteRunOutput writes the final artifacts, the full run history JSON,
// and a human-readable summary under dir/<timestamp>. Returns the created
// directory.
func WriteRunOutput(dir string, out *RunOutput) (string, error) {
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	runDir := filepath.Join(dir, out.Timestamp.Format("20060102_150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run history: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "run_history.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write run history: %w", err)
	}

	ext := ArtifactExtension(out.ArtifactType)
	agents := make([]string, 0, len(out.Artifacts))
	for name := range out.Artifacts {
		agents = append(agents, name)
	}
	sort.Strings(agents)
	for i, agent := range agents {
		path := filepath.Join(runDir, fmt.Sprintf("artifact_%d.%s", i, ext))
		if err := os.WriteFile(path, []byte(out.Artifacts[agent]), 0o644); err != nil {
			return "", fmt.Errorf("failed to write artifact for %s: %w", agent, err)
		}
	}

	summary := fmt.Sprintf(`Vörs ting Run Summary
====================

Run ID: %s
Timestamp: %s
Task: %s
Artifact Type: %s
Mode: %s
Rounds Completed: %d
Rounds Configured: %d

Final Status: %s
Artifacts Generated: %d
`,
		out.RunID, out.Timestamp.Format(time.RFC3339), out.Task, out.ArtifactType,
		out.Mode, out.Rounds, out.MaxRounds, out.Verdict, len(out.Artifacts))
	if err := os.WriteFile(filepath.Join(runDir, "summary.txt"), []byte(summary), 0o644); err != nil {
		return "", fmt.Errorf("failed to write summary: %w", err)
	}
	return runDir, nil
}
