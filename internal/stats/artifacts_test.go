package stats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
)

func sampleArtifacts(runID, finishedAt string) RunArtifacts {
	return RunArtifacts{
		Config: RunConfig{
			RunID:            runID,
			Samplers:         2,
			SamplesPerPrompt: 4,
			MaxInFlight:      2,
			Backend:          "echo",
			StoreKind:        "bolt",
			Workers:          []string{"local-0", "local-1"},
			Strategy:         "restart",
		},
		Summary: RunSummary{
			StartedAtUTC:  "2026-01-01T00:00:00Z",
			FinishedAtUTC: finishedAt,
			Samplers: []SamplerSummary{
				{ID: "sampler-0", Iterations: 3, Candidates: 12, Submitted: 11, Failed: 1},
				{ID: "sampler-1", Iterations: 2, Candidates: 8, Submitted: 8, Restarts: 1},
			},
		},
		Failures: []SubmissionFailure{{
			SubmissionID: "sub-1",
			SamplerID:    "sampler-0",
			IslandID:     2,
			Version:      5,
			Error:        "queue full, \"local-1\"",
		}},
	}
}

func TestWriteReadAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runDir, err := WriteRunArtifacts(baseDir, sampleArtifacts("run-123", "2026-01-01T00:01:00Z"))
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	for _, file := range []string{"config.json", "summary.json", "submission_failures.csv"} {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	got, ok, err := ReadRunArtifacts(baseDir, "run-123")
	if err != nil || !ok {
		t.Fatalf("read artifacts: ok=%t err=%v", ok, err)
	}
	if got.Config.Samplers != 2 || len(got.Config.Workers) != 2 {
		t.Fatalf("unexpected config: %+v", got.Config)
	}
	if len(got.Failures) != 1 || got.Failures[0].IslandID != 2 || got.Failures[0].Version != 5 {
		t.Fatalf("unexpected failures: %+v", got.Failures)
	}
	if got.Failures[0].Error != "queue full, \"local-1\"" {
		t.Fatalf("failure error not preserved: %q", got.Failures[0].Error)
	}
	total := got.Summary.Totals()
	if total.Candidates != 20 || total.Submitted != 19 || total.Failed != 1 || total.Restarts != 1 {
		t.Fatalf("unexpected totals: %+v", total)
	}

	exportedDir, err := ExportRunArtifacts(baseDir, "run-123", outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range []string{"config.json", "summary.json", "submission_failures.csv"} {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}
}

func TestReadRunArtifactsMissing(t *testing.T) {
	_, ok, err := ReadRunArtifacts(t.TempDir(), "nope")
	if err != nil || ok {
		t.Fatalf("expected missing run, ok=%t err=%v", ok, err)
	}
}

func TestExportMissingRun(t *testing.T) {
	_, err := ExportRunArtifacts(t.TempDir(), "nope", t.TempDir())
	if !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	_, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{})
	if !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected not valid, got %v", err)
	}
}

func TestRunIndexOrderingAndReplace(t *testing.T) {
	baseDir := t.TempDir()

	first := sampleArtifacts("run-a", "2026-01-01T00:01:00Z").IndexEntry()
	second := sampleArtifacts("run-b", "2026-01-02T00:01:00Z").IndexEntry()
	if err := AppendRunIndex(baseDir, first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := AppendRunIndex(baseDir, second); err != nil {
		t.Fatalf("append second: %v", err)
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 2 || index[0].RunID != "run-b" || index[1].RunID != "run-a" {
		t.Fatalf("expected newest first, got %+v", index)
	}
	if index[1].Candidates != 20 || index[1].Failed != 1 {
		t.Fatalf("unexpected index totals: %+v", index[1])
	}

	first.Error = "aborted"
	if err := AppendRunIndex(baseDir, first); err != nil {
		t.Fatalf("replace first: %v", err)
	}
	index, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 2 || index[1].Error != "aborted" {
		t.Fatalf("expected replaced entry, got %+v", index)
	}
}

func TestListRunIndexEmpty(t *testing.T) {
	index, err := ListRunIndex(t.TempDir())
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("expected empty index, got %+v", index)
	}
}
