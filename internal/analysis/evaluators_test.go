package analysis

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"funsearch/internal/model"
)

func TestSpoolEvaluatorAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.jsonl")
	spool, err := NewSpoolEvaluator(path)
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	for _, id := range []string{"s1", "s2"} {
		if err := spool.Evaluate(context.Background(), model.Submission{ID: id, IslandID: 1, Version: 3}); err != nil {
			t.Fatalf("evaluate %s: %v", id, err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		sub, err := decodeSubmission(scanner.Bytes())
		if err != nil {
			t.Fatalf("decode line: %v", err)
		}
		ids = append(ids, sub.ID)
	}
	if len(ids) != 2 || ids[0] != "s1" || ids[1] != "s2" {
		t.Fatalf("unexpected spooled ids: %v", ids)
	}
}

func TestCommandEvaluatorFeedsSubmissionOnStdin(t *testing.T) {
	out := filepath.Join(t.TempDir(), "stdin.json")
	eval := CommandEvaluator{Command: []string{"sh", "-c", "cat > " + out}}
	sub := model.Submission{ID: "cmd-1", IslandID: 2, Version: 5, Code: "def f(x):\n    return x\n"}
	if err := eval.Evaluate(context.Background(), sub); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read stdin capture: %v", err)
	}
	got, err := decodeSubmission(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != sub.ID || got.Code != sub.Code || got.IslandID != 2 || got.Version != 5 {
		t.Fatalf("unexpected submission on stdin: %+v", got)
	}
}

func TestCommandEvaluatorReportsNonZeroExit(t *testing.T) {
	eval := CommandEvaluator{Command: []string{"sh", "-c", "echo rejected >&2; exit 3"}}
	if err := eval.Evaluate(context.Background(), model.Submission{ID: "cmd-2"}); err == nil {
		t.Fatal("expected non-zero exit to be reported")
	}
}
