package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"funsearch/internal/platform"
	"funsearch/internal/sampler"
	"funsearch/internal/storage"
	api "funsearch/pkg/funsearch"
)

var logger = loggo.GetLogger("funsearch.cmd")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "reset":
		return runReset(ctx, args[1:])
	case "enqueue":
		return runEnqueue(ctx, args[1:])
	case "pending":
		return runPending(ctx, args[1:])
	case "sample":
		return runSample(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type commonFlags struct {
	configPath *string
	storeKind  *string
	dbPath     *string
	runsDir    *string
}

func addCommonFlags(fs *gnuflag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "YAML config file"),
		storeKind:  fs.String("store", storage.DefaultStoreKind(), "store backend: memory|bolt|sqlite"),
		dbPath:     fs.String("db-path", "funsearch.db", "store file path"),
		runsDir:    fs.String("runs-dir", "runs", "directory for run artifacts"),
	}
}

// resolve applies explicitly set flags on top of the config file.
func (f commonFlags) resolve(fs *gnuflag.FlagSet) (Config, map[string]bool, error) {
	cfg, err := loadConfig(*f.configPath)
	if err != nil {
		return Config{}, nil, err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(fl *gnuflag.Flag) {
		setFlags[fl.Name] = true
	})
	if setFlags["store"] {
		cfg.Store.Kind = *f.storeKind
	}
	if setFlags["db-path"] {
		cfg.Store.Path = *f.dbPath
	}
	if setFlags["runs-dir"] {
		cfg.RunsDir = *f.runsDir
	}
	return cfg, setFlags, nil
}

func withClient(cfg Config, fn func(*api.Client) error) error {
	client, err := api.New(cfg.clientOptions())
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	return fn(client)
}

func runInit(ctx context.Context, args []string) error {
	fs := gnuflag.NewFlagSet("init", gnuflag.ContinueOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(true, args); err != nil {
		return err
	}
	cfg, _, err := cf.resolve(fs)
	if err != nil {
		return err
	}

	return withClient(cfg, func(client *api.Client) error {
		if err := client.Init(ctx); err != nil {
			return err
		}
		fmt.Printf("initialized store=%s\n", cfg.Store.Kind)
		return nil
	})
}

func runReset(ctx context.Context, args []string) error {
	fs := gnuflag.NewFlagSet("reset", gnuflag.ContinueOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(true, args); err != nil {
		return err
	}
	cfg, _, err := cf.resolve(fs)
	if err != nil {
		return err
	}

	return withClient(cfg, func(client *api.Client) error {
		if err := client.Reset(ctx); err != nil {
			return err
		}
		fmt.Printf("reset store=%s\n", cfg.Store.Kind)
		return nil
	})
}

func runEnqueue(ctx context.Context, args []string) error {
	fs := gnuflag.NewFlagSet("enqueue", gnuflag.ContinueOnError)
	cf := addCommonFlags(fs)
	codeFile := fs.String("file", "", "read prompt code from file")
	code := fs.String("code", "", "prompt code")
	island := fs.Int("island", 0, "island the prompt was built from")
	version := fs.Int("version", 0, "program version the prompt asks for")
	if err := fs.Parse(true, args); err != nil {
		return err
	}
	cfg, _, err := cf.resolve(fs)
	if err != nil {
		return err
	}

	req := api.EnqueueRequest{Code: *code, IslandID: *island, Version: *version}
	if *codeFile != "" {
		data, err := os.ReadFile(*codeFile)
		if err != nil {
			return errors.Annotate(err, "reading prompt code")
		}
		req.Code = string(data)
	}
	if strings.TrimSpace(req.Code) == "" {
		return errors.New("prompt code is required (-code or -file)")
	}

	return withClient(cfg, func(client *api.Client) error {
		prompt, err := client.Enqueue(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued prompt=%s island=%d version=%d\n", prompt.ID, prompt.IslandID, prompt.Version)
		return nil
	})
}

func runPending(ctx context.Context, args []string) error {
	fs := gnuflag.NewFlagSet("pending", gnuflag.ContinueOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(true, args); err != nil {
		return err
	}
	cfg, _, err := cf.resolve(fs)
	if err != nil {
		return err
	}

	return withClient(cfg, func(client *api.Client) error {
		n, err := client.Pending(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pending prompts=%s\n", humanize.Comma(int64(n)))
		return nil
	})
}

func runSample(ctx context.Context, args []string) error {
	fs := gnuflag.NewFlagSet("sample", gnuflag.ContinueOnError)
	cf := addCommonFlags(fs)
	envFile := fs.String("env-file", ".env", "dotenv file with backend credentials")
	samples := fs.Int("samples", 0, "samples per prompt")
	samplers := fs.Int("samplers", 0, "number of concurrent samplers")
	iterations := fs.Int("iterations", 0, "prompts per sampler, 0 runs until interrupted")
	maxInFlight := fs.Int("max-in-flight", 0, "concurrent submissions per sampler")
	backendKind := fs.String("backend", "", "generative backend: echo|openai")
	modelName := fs.String("model", "", "backend model")
	seed := fs.Int64("seed", 0, "dispatch seed, 0 seeds from the clock")
	strategy := fs.String("strategy", "", "on sampler failure: restart|abort")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	logConfig := fs.String("log-config", "", "loggo configuration, e.g. <root>=INFO;funsearch.sampler=DEBUG")
	if err := fs.Parse(true, args); err != nil {
		return err
	}
	cfg, setFlags, err := cf.resolve(fs)
	if err != nil {
		return err
	}

	if setFlags["samples"] {
		cfg.SamplesPerPrompt = *samples
	}
	if setFlags["samplers"] {
		cfg.Samplers = *samplers
	}
	if setFlags["iterations"] {
		cfg.Iterations = *iterations
	}
	if setFlags["max-in-flight"] {
		cfg.MaxInFlight = *maxInFlight
	}
	if setFlags["backend"] {
		cfg.Backend.Kind = *backendKind
	}
	if setFlags["model"] {
		cfg.Backend.Model = *modelName
	}
	if setFlags["seed"] {
		cfg.Seed = *seed
	}
	if setFlags["strategy"] {
		cfg.Supervisor.Strategy = platform.SupervisorStrategy(*strategy)
	}
	if setFlags["metrics-addr"] {
		cfg.MetricsAddr = *metricsAddr
	}
	if setFlags["log-config"] {
		cfg.LogConfig = *logConfig
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.LogConfig != "" {
		if err := loggo.ConfigureLoggers(cfg.LogConfig); err != nil {
			return errors.Annotate(err, "configuring loggers")
		}
	}
	if err := loadDotEnv(*envFile); err != nil {
		return err
	}

	backend, model, err := buildBackend(cfg.Backend, os.Getenv)
	if err != nil {
		return err
	}
	workers, closeWorkers, err := buildWorkers(ctx, cfg.Workers, os.Getenv)
	if err != nil {
		return err
	}
	// Local workers drain their queues here, after the samplers stopped.
	defer closeWorkers()

	metrics := sampler.NewMetricsCollector()
	stopMetrics, err := serveMetrics(cfg.MetricsAddr, metrics)
	if err != nil {
		return err
	}
	defer stopMetrics()

	return withClient(cfg, func(client *api.Client) error {
		summary, runErr := client.Sample(ctx, api.SampleRequest{
			RunID:            *runID,
			Samplers:         cfg.Samplers,
			SamplesPerPrompt: cfg.SamplesPerPrompt,
			Iterations:       cfg.Iterations,
			MaxInFlight:      cfg.MaxInFlight,
			Seed:             cfg.Seed,
			Backend:          backend,
			BackendName:      cfg.Backend.Kind,
			Model:            model,
			Workers:          workers,
			Supervisor:       cfg.Supervisor,
			Metrics:          metrics,

			MaxRecordedFailures: cfg.MaxRecordedFailures,
		})
		if summary.RunID == "" {
			return runErr
		}
		fmt.Printf("run=%s samplers=%d iterations=%s candidates=%s submitted=%s failed=%s artifacts=%s\n",
			summary.RunID,
			len(summary.Samplers),
			humanize.Comma(summary.Totals.Iterations),
			humanize.Comma(summary.Totals.Candidates),
			humanize.Comma(summary.Totals.Submitted),
			humanize.Comma(summary.Totals.Failed),
			summary.ArtifactsDir,
		)
		return runErr
	})
}

func serveMetrics(addr string, collector prometheus.Collector) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return nil, errors.Trace(err)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	logger.Infof("serving metrics on %s", listener.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := gnuflag.NewFlagSet("runs", gnuflag.ContinueOnError)
	cf := addCommonFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(true, args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}
	cfg, _, err := cf.resolve(fs)
	if err != nil {
		return err
	}

	return withClient(cfg, func(client *api.Client) error {
		entries, err := client.Runs(ctx, api.RunsRequest{Limit: *limit})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no runs found")
			return nil
		}
		if *jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		for _, e := range entries {
			when := e.CreatedAtUTC
			if t, err := time.Parse(time.RFC3339, e.CreatedAtUTC); err == nil {
				when = humanize.Time(t)
			}
			line := fmt.Sprintf("%s %s samplers=%d backend=%s candidates=%s submitted=%s failed=%s",
				e.RunID, when, e.Samplers, e.Backend,
				humanize.Comma(e.Candidates), humanize.Comma(e.Submitted), humanize.Comma(e.Failed))
			if e.Error != "" {
				line += fmt.Sprintf(" error=%q", e.Error)
			}
			fmt.Println(line)
		}
		return nil
	})
}

func runShow(ctx context.Context, args []string) error {
	fs := gnuflag.NewFlagSet("show", gnuflag.ContinueOnError)
	cf := addCommonFlags(fs)
	runID := fs.String("run-id", "", "run id to show")
	latest := fs.Bool("latest", false, "show the most recent run")
	jsonOut := fs.Bool("json", false, "emit the run artifacts as JSON")
	if err := fs.Parse(true, args); err != nil {
		return err
	}
	cfg, _, err := cf.resolve(fs)
	if err != nil {
		return err
	}

	return withClient(cfg, func(client *api.Client) error {
		artifacts, err := client.Show(ctx, api.ShowRequest{RunID: *runID, Latest: *latest})
		if err != nil {
			return err
		}
		if *jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(artifacts)
		}
		fmt.Printf("run=%s backend=%s model=%s store=%s strategy=%s\n",
			artifacts.Config.RunID, artifacts.Config.Backend, artifacts.Config.Model,
			artifacts.Config.StoreKind, artifacts.Config.Strategy)
		for _, s := range artifacts.Summary.Samplers {
			fmt.Printf("  %s state=%s restarts=%d iterations=%s submitted=%s failed=%s\n",
				s.ID, s.State, s.Restarts,
				humanize.Comma(s.Iterations), humanize.Comma(s.Submitted), humanize.Comma(s.Failed))
		}
		for _, f := range artifacts.Failures {
			fmt.Printf("  failure submission=%s sampler=%s island=%d version=%d: %s\n",
				f.SubmissionID, f.SamplerID, f.IslandID, f.Version, f.Error)
		}
		if n := artifacts.Summary.FailuresDropped; n > 0 {
			fmt.Printf("  %s more failures not recorded\n", humanize.Comma(n))
		}
		return nil
	})
}

func runExport(ctx context.Context, args []string) error {
	fs := gnuflag.NewFlagSet("export", gnuflag.ContinueOnError)
	cf := addCommonFlags(fs)
	runID := fs.String("run-id", "", "run id to export")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", "exports", "export directory")
	if err := fs.Parse(true, args); err != nil {
		return err
	}
	cfg, _, err := cf.resolve(fs)
	if err != nil {
		return err
	}

	return withClient(cfg, func(client *api.Client) error {
		exported, err := client.Export(ctx, api.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
		if err != nil {
			return err
		}
		fmt.Printf("exported run=%s dir=%s\n", exported.RunID, exported.Directory)
		return nil
	})
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: funsearchctl <init|reset|enqueue|pending|sample|runs|export> [flags]", msg)
}
