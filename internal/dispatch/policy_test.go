package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/juju/errors"

	"funsearch/internal/analysis"
	"funsearch/internal/model"
)

type namedWorker string

func (w namedWorker) Name() string { return string(w) }

func (namedWorker) Analyse(context.Context, model.Submission) error { return nil }

func workers(k int) []analysis.Worker {
	out := make([]analysis.Worker, k)
	for i := range out {
		out[i] = namedWorker(fmt.Sprintf("w%d", i))
	}
	return out
}

func TestRandomIsApproximatelyUniform(t *testing.T) {
	// 99.9th percentile of chi-square with k-1 degrees of freedom.
	critical := map[int]float64{2: 10.83, 3: 13.82, 5: 18.47, 8: 24.32}
	const draws = 80000

	for k, limit := range critical {
		policy, err := NewRandom(workers(k), rand.NewSource(int64(k)))
		if err != nil {
			t.Fatalf("new random k=%d: %v", k, err)
		}
		counts := make(map[string]int, k)
		for i := 0; i < draws; i++ {
			w, err := policy.Choose()
			if err != nil {
				t.Fatalf("choose: %v", err)
			}
			counts[w.Name()]++
		}
		if len(counts) != k {
			t.Fatalf("k=%d: expected every worker to be chosen, got=%v", k, counts)
		}

		expected := float64(draws) / float64(k)
		var chi2 float64
		for _, observed := range counts {
			d := float64(observed) - expected
			chi2 += d * d / expected
		}
		if chi2 > limit {
			t.Fatalf("k=%d: chi-square %.2f exceeds %.2f, counts=%v", k, chi2, limit, counts)
		}
	}
}

func TestRandomSingleWorker(t *testing.T) {
	only := namedWorker("solo")
	policy, err := NewRandom([]analysis.Worker{only}, nil)
	if err != nil {
		t.Fatalf("new random: %v", err)
	}
	for i := 0; i < 10; i++ {
		w, err := policy.Choose()
		if err != nil {
			t.Fatalf("choose: %v", err)
		}
		if w != only {
			t.Fatalf("expected the only worker, got=%v", w)
		}
	}
}

func TestRandomRejectsEmptyWorkerSet(t *testing.T) {
	policy, err := NewRandom(nil, nil)
	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected no workers error, got=%v", err)
	}
	if policy != nil {
		t.Fatal("expected no policy for an empty worker set")
	}

	var zero Random
	w, err := zero.Choose()
	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected no workers error from zero value, got=%v", err)
	}
	if w != nil {
		t.Fatalf("expected no handle, got=%v", w)
	}
}

func TestRandomIsReproducibleForASeed(t *testing.T) {
	sequence := func() []string {
		policy, err := NewRandom(workers(4), rand.NewSource(42))
		if err != nil {
			t.Fatalf("new random: %v", err)
		}
		out := make([]string, 20)
		for i := range out {
			w, err := policy.Choose()
			if err != nil {
				t.Fatalf("choose: %v", err)
			}
			out[i] = w.Name()
		}
		return out
	}
	first, second := sequence(), sequence()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("draw %d differs for the same seed: %s != %s", i, first[i], second[i])
		}
	}
}

func TestRandomIsSafeForConcurrentUse(t *testing.T) {
	policy, err := NewRandom(workers(3), rand.NewSource(7))
	if err != nil {
		t.Fatalf("new random: %v", err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if _, err := policy.Choose(); err != nil {
					t.Errorf("choose: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestNewRandomCopiesWorkers(t *testing.T) {
	ws := workers(2)
	policy, err := NewRandom(ws, rand.NewSource(1))
	if err != nil {
		t.Fatalf("new random: %v", err)
	}
	ws[0] = namedWorker("replaced")
	for _, w := range policy.Workers() {
		if w.Name() == "replaced" {
			t.Fatal("expected policy to keep its own copy of the worker set")
		}
	}
}
