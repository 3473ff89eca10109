package funsearch

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"

	"funsearch/internal/analysis"
	"funsearch/internal/dispatch"
	"funsearch/internal/llm"
	"funsearch/internal/model"
	"funsearch/internal/platform"
	"funsearch/internal/sampler"
	"funsearch/internal/stats"
	"funsearch/internal/storage"
)

var logger = loggo.GetLogger("funsearch.api")

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "funsearch.db"

	// DefaultMaxRecordedFailures caps the submission failures kept for the
	// run artifacts. Failures past the cap are only counted.
	DefaultMaxRecordedFailures = 1000
)

type Options struct {
	StoreKind    string
	DBPath       string
	PollInterval time.Duration
	RunsDir      string
	ExportsDir   string
}

// Client owns one program store and the run artifacts directory.
type Client struct {
	store     storage.Store
	storeKind string
	dbPath    string

	runsDir    string
	exportsDir string
}

type EnqueueRequest struct {
	Code     string
	IslandID int
	Version  int
}

type SampleRequest struct {
	RunID               string
	Samplers            int
	SamplesPerPrompt    int
	MaxInFlight         int
	Seed                int64
	MaxRecordedFailures int

	// Iterations is the prompt budget of each sampler, shared by all of
	// its restarted incarnations. Zero runs until ctx is done.
	Iterations int

	Backend     llm.Backend
	BackendName string
	Model       string
	Workers     []analysis.Worker
	Supervisor  platform.SupervisorPolicy
	Metrics     *sampler.Collector
}

type RunSummary struct {
	RunID        string
	ArtifactsDir string
	Totals       stats.SamplerSummary
	Samplers     []stats.SamplerSummary
	Failures     []stats.SubmissionFailure

	// FailuresDropped counts failures beyond MaxRecordedFailures.
	FailuresDropped int64
}

type RunsRequest struct {
	Limit int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ShowRequest struct {
	RunID  string
	Latest bool
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath, storage.Options{PollInterval: opts.PollInterval})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Client{
		store:      store,
		storeKind:  storeKind,
		dbPath:     dbPath,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Reset(ctx context.Context) error {
	if err := c.store.Init(ctx); err != nil {
		return errors.Trace(err)
	}
	return c.store.Reset(ctx)
}

func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (model.Prompt, error) {
	if req.Code == "" {
		return model.Prompt{}, errors.NotValidf("empty prompt code")
	}
	if err := c.store.Init(ctx); err != nil {
		return model.Prompt{}, errors.Trace(err)
	}
	return c.store.EnqueuePrompt(ctx, model.Prompt{
		Code:     req.Code,
		IslandID: req.IslandID,
		Version:  req.Version,
	})
}

func (c *Client) Pending(ctx context.Context) (int, error) {
	if err := c.store.Init(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	return c.store.PendingPrompts(ctx)
}

// Sample runs req.Samplers samplers against the store until each has done
// req.Iterations prompts, a sampler fails under the abort strategy, or ctx
// is done. Artifacts are written and indexed in every case.
func (c *Client) Sample(ctx context.Context, req SampleRequest) (RunSummary, error) {
	if req.Samplers <= 0 {
		req.Samplers = 1
	}
	if req.SamplesPerPrompt <= 0 {
		req.SamplesPerPrompt = 1
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.BackendName == "" {
		req.BackendName = "custom"
	}
	if req.MaxRecordedFailures <= 0 {
		req.MaxRecordedFailures = DefaultMaxRecordedFailures
	}
	if err := c.store.Init(ctx); err != nil {
		return RunSummary{}, errors.Trace(err)
	}

	client, err := llm.NewClient(req.Backend, req.SamplesPerPrompt)
	if err != nil {
		return RunSummary{}, errors.Trace(err)
	}
	var src rand.Source
	if req.Seed != 0 {
		src = rand.NewSource(req.Seed)
	}
	policy, err := dispatch.NewRandom(req.Workers, src)
	if err != nil {
		return RunSummary{}, errors.Trace(err)
	}

	var (
		sessions = newSessionTracker()
		failures = &failureLog{limit: req.MaxRecordedFailures}
		children = make([]platform.SupervisorChild, 0, req.Samplers)
	)
	for i := 0; i < req.Samplers; i++ {
		id := fmt.Sprintf("sampler-%d", i)
		children = append(children, platform.SupervisorChild{
			Name: id,
			Start: func() (worker.Worker, error) {
				// A restart only follows a failed step, so an incarnation
				// before it always left part of the budget unused.
				budget := req.Iterations
				if budget > 0 {
					budget -= int(sessions.completed(id))
				}
				s, err := sampler.NewSampler(sampler.Config{
					ID:                id,
					Store:             c.store,
					Client:            client,
					Policy:            policy,
					MaxInFlight:       req.MaxInFlight,
					MaxIterations:     budget,
					Metrics:           req.Metrics,
					OnSubmissionError: failures.record,
				})
				if err != nil {
					return nil, err
				}
				sessions.add(id, s.Session())
				return s, nil
			},
		})
	}

	started := time.Now().UTC()
	supervisor, err := platform.NewSupervisor(platform.SupervisorConfig{
		Children: children,
		Policy:   req.Supervisor,
	})
	if err != nil {
		return RunSummary{}, errors.Trace(err)
	}
	logger.Infof("run %s: %d samplers, %d samples per prompt, %d workers",
		req.RunID, req.Samplers, req.SamplesPerPrompt, len(req.Workers))
	runErr := waitSupervisor(ctx, supervisor)

	workerNames := make([]string, 0, len(req.Workers))
	for _, w := range req.Workers {
		workerNames = append(workerNames, w.Name())
	}
	artifacts := stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:            req.RunID,
			Samplers:         req.Samplers,
			SamplesPerPrompt: req.SamplesPerPrompt,
			MaxInFlight:      req.MaxInFlight,
			Iterations:       req.Iterations,
			Seed:             req.Seed,
			Backend:          req.BackendName,
			Model:            req.Model,
			StoreKind:        c.storeKind,
			StorePath:        c.dbPath,
			Workers:          workerNames,
			Strategy:         string(req.Supervisor.Strategy),
		},
		Summary: stats.RunSummary{
			StartedAtUTC:  started.Format(time.RFC3339),
			FinishedAtUTC: time.Now().UTC().Format(time.RFC3339),
			Error:         errString(runErr),
			Samplers:      sessions.summaries(supervisor.Children()),
		},
	}
	artifacts.Failures, artifacts.Summary.FailuresDropped = failures.snapshot()
	runDir, err := stats.WriteRunArtifacts(c.runsDir, artifacts)
	if err != nil {
		return RunSummary{}, errors.Trace(err)
	}
	if err := stats.AppendRunIndex(c.runsDir, artifacts.IndexEntry()); err != nil {
		return RunSummary{}, errors.Trace(err)
	}

	return RunSummary{
		RunID:        req.RunID,
		ArtifactsDir: runDir,
		Totals:       artifacts.Summary.Totals(),
		Samplers:     artifacts.Summary.Samplers,
		Failures:     artifacts.Failures,

		FailuresDropped: artifacts.Summary.FailuresDropped,
	}, runErr
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]stats.RunIndexEntry, error) {
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

// Show reads back the artifacts of one run.
func (c *Client) Show(_ context.Context, req ShowRequest) (stats.RunArtifacts, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return stats.RunArtifacts{}, errors.Trace(err)
	}
	artifacts, ok, err := stats.ReadRunArtifacts(c.runsDir, runID)
	if err != nil {
		return stats.RunArtifacts{}, errors.Trace(err)
	}
	if !ok {
		return stats.RunArtifacts{}, errors.NotFoundf("run %q", runID)
	}
	return artifacts, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, errors.Trace(err)
	}
	outDir := req.OutDir
	if outDir == "" {
		outDir = c.exportsDir
	}
	dir, err := stats.ExportRunArtifacts(c.runsDir, runID, outDir)
	if err != nil {
		return ExportSummary{}, errors.Trace(err)
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(dir)}, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if latest {
		entries, err := stats.ListRunIndex(c.runsDir)
		if err != nil {
			return "", errors.Trace(err)
		}
		if len(entries) == 0 {
			return "", errors.NotFoundf("runs in %s", c.runsDir)
		}
		return entries[0].RunID, nil
	}
	if runID == "" {
		return "", errors.NotValidf("run lookup without run id or latest")
	}
	return runID, nil
}

// waitSupervisor stops the supervisor when ctx is done. An interrupted run
// is not an error.
func waitSupervisor(ctx context.Context, s *platform.Supervisor) error {
	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Infof("interrupted, stopping samplers")
		return worker.Stop(s)
	}
}

// sessionTracker keeps the live session of every sampler and the totals
// of its finished incarnations.
type sessionTracker struct {
	mu       sync.Mutex
	current  map[string]*sampler.Session
	finished map[string]sampler.Stats
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{
		current:  make(map[string]*sampler.Session),
		finished: make(map[string]sampler.Stats),
	}
}

// add records s as the live session of id. The session it replaces has
// stopped, so its stats are final and folded into the running total.
func (t *sessionTracker) add(id string, s *sampler.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.current[id]; ok {
		t.finished[id] = addStats(t.finished[id], prev.Stats())
	}
	t.current[id] = s
}

func (t *sessionTracker) stats(id string) sampler.Stats {
	st := t.finished[id]
	if s, ok := t.current[id]; ok {
		st = addStats(st, s.Stats())
	}
	return st
}

// completed is the number of iterations id has finished so far.
func (t *sessionTracker) completed(id string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats(id).Iterations
}

func (t *sessionTracker) summaries(children []platform.SupervisorChildStatus) []stats.SamplerSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]stats.SamplerSummary, 0, len(children))
	for _, child := range children {
		st := t.stats(child.Name)
		out = append(out, stats.SamplerSummary{
			ID:         child.Name,
			State:      string(child.State),
			Restarts:   child.Restarts,
			LastError:  child.LastError,
			Iterations: st.Iterations,
			Candidates: st.Candidates,
			Submitted:  st.Submitted,
			Failed:     st.Failed,
		})
	}
	return out
}

func addStats(a, b sampler.Stats) sampler.Stats {
	return sampler.Stats{
		Iterations: a.Iterations + b.Iterations,
		Candidates: a.Candidates + b.Candidates,
		Submitted:  a.Submitted + b.Submitted,
		Failed:     a.Failed + b.Failed,
	}
}

// failureLog keeps the first limit submission failures and counts the rest.
type failureLog struct {
	mu      sync.Mutex
	limit   int
	items   []stats.SubmissionFailure
	dropped int64
}

func (f *failureLog) record(sub model.Submission, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) >= f.limit {
		f.dropped++
		return
	}
	f.items = append(f.items, stats.SubmissionFailure{
		SubmissionID: sub.ID,
		SamplerID:    sub.SamplerID,
		IslandID:     sub.IslandID,
		Version:      sub.Version,
		Error:        err.Error(),
	})
}

func (f *failureLog) snapshot() ([]stats.SubmissionFailure, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stats.SubmissionFailure(nil), f.items...), f.dropped
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
