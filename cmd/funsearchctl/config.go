package main

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/yaml.v3"

	"funsearch/internal/analysis"
	"funsearch/internal/llm"
	"funsearch/internal/platform"
	"funsearch/internal/storage"
	api "funsearch/pkg/funsearch"
)

const (
	backendEcho   = "echo"
	backendOpenAI = "openai"

	workerLocal     = "local"
	workerMQTT      = "mqtt"
	workerWebsocket = "websocket"
)

type Config struct {
	SamplesPerPrompt int    `yaml:"samples_per_prompt"`
	Samplers         int    `yaml:"samplers"`
	MaxInFlight      int    `yaml:"max_in_flight"`
	Iterations       int    `yaml:"iterations"`
	Seed             int64  `yaml:"seed"`
	RunsDir          string `yaml:"runs_dir"`
	MetricsAddr      string `yaml:"metrics_addr"`
	LogConfig        string `yaml:"log_config"`

	// MaxRecordedFailures caps the failures written to the run artifacts.
	MaxRecordedFailures int `yaml:"max_recorded_failures"`

	Store      StoreConfig               `yaml:"store"`
	Backend    BackendConfig             `yaml:"backend"`
	Workers    []WorkerConfig            `yaml:"workers"`
	Supervisor platform.SupervisorPolicy `yaml:"supervisor"`
}

type StoreConfig struct {
	Kind         string        `yaml:"kind"`
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type BackendConfig struct {
	Kind              string        `yaml:"kind"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	SystemMessage     string        `yaml:"system_message"`
	Temperature       *float32      `yaml:"temperature"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	Timeout           time.Duration `yaml:"timeout"`
}

type WorkerConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// local
	Queue   int      `yaml:"queue"`
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir"`
	Spool   string   `yaml:"spool"`

	// mqtt
	Broker      string        `yaml:"broker"`
	Topic       string        `yaml:"topic"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	PasswordEnv string        `yaml:"password_env"`
	QoS         byte          `yaml:"qos"`
	Timeout     time.Duration `yaml:"timeout"`

	// websocket
	URL string `yaml:"url"`
}

func defaultConfig() Config {
	return Config{
		SamplesPerPrompt: 4,
		Samplers:         1,
		RunsDir:          "runs",
		Store: StoreConfig{
			Kind: storage.DefaultStoreKind(),
			Path: "funsearch.db",
		},
		Backend: BackendConfig{
			Kind:      backendEcho,
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Workers: []WorkerConfig{{
			Name:  "local-0",
			Kind:  workerLocal,
			Spool: "submissions.jsonl",
		}},
	}
}

// loadConfig overlays the YAML file at path, if any, on the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parsing config %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SamplesPerPrompt < 1 {
		return errors.NotValidf("samples_per_prompt %d", c.SamplesPerPrompt)
	}
	if c.Samplers < 1 {
		return errors.NotValidf("samplers %d", c.Samplers)
	}
	if c.MaxInFlight < 0 {
		return errors.NotValidf("max_in_flight %d", c.MaxInFlight)
	}
	if c.Iterations < 0 {
		return errors.NotValidf("iterations %d", c.Iterations)
	}
	switch c.Backend.Kind {
	case backendEcho, backendOpenAI:
	default:
		return errors.NotValidf("backend kind %q", c.Backend.Kind)
	}
	if len(c.Workers) == 0 {
		return errors.NotValidf("no workers configured")
	}
	names := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.Name == "" {
			return errors.NotValidf("worker %d without name", i)
		}
		if names[w.Name] {
			return errors.NotValidf("duplicate worker %q", w.Name)
		}
		names[w.Name] = true
		switch w.Kind {
		case workerLocal:
			if len(w.Command) == 0 && w.Spool == "" {
				return errors.NotValidf("local worker %q needs a command or a spool", w.Name)
			}
		case workerMQTT, workerWebsocket:
		default:
			return errors.NotValidf("worker %q kind %q", w.Name, w.Kind)
		}
	}
	if _, err := platform.ParseSupervisorStrategy(string(c.Supervisor.Strategy)); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (c Config) clientOptions() api.Options {
	return api.Options{
		StoreKind:    c.Store.Kind,
		DBPath:       c.Store.Path,
		PollInterval: c.Store.PollInterval,
		RunsDir:      c.RunsDir,
	}
}

// loadDotEnv reads credentials from path without overriding the process
// environment. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Annotatef(err, "loading %s", path)
	}
	return nil
}

func buildBackend(cfg BackendConfig, getenv func(string) string) (llm.Backend, string, error) {
	switch cfg.Kind {
	case "", backendEcho:
		return llm.EchoBackend{}, "", nil
	case backendOpenAI:
		envName := cfg.APIKeyEnv
		if envName == "" {
			envName = "OPENAI_API_KEY"
		}
		var httpClient *http.Client
		if cfg.Timeout > 0 {
			httpClient = &http.Client{Timeout: cfg.Timeout}
		}
		backend, err := llm.NewOpenAIBackend(llm.OpenAIConfig{
			APIKey:            strings.TrimSpace(getenv(envName)),
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			SystemMessage:     cfg.SystemMessage,
			Temperature:       cfg.Temperature,
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxAttempts:       cfg.MaxAttempts,
			RetryDelay:        cfg.RetryDelay,
			HTTPClient:        httpClient,
		})
		if err != nil {
			return nil, "", errors.Annotatef(err, "openai backend (key from $%s)", envName)
		}
		model := cfg.Model
		if model == "" {
			model = llm.DefaultModel
		}
		return backend, model, nil
	default:
		return nil, "", errors.NotSupportedf("backend %q", cfg.Kind)
	}
}

// buildWorkers dials or starts every configured worker. The returned
// cleanup stops them in reverse order; local workers drain their queues.
func buildWorkers(ctx context.Context, cfgs []WorkerConfig, getenv func(string) string) ([]analysis.Worker, func(), error) {
	var (
		workers []analysis.Worker
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	for _, wc := range cfgs {
		switch wc.Kind {
		case workerLocal:
			evaluator, err := buildEvaluator(wc)
			if err != nil {
				cleanup()
				return nil, nil, errors.Annotatef(err, "worker %q", wc.Name)
			}
			w, err := analysis.NewLocalWorker(analysis.LocalConfig{
				Name:      wc.Name,
				Evaluator: evaluator,
				QueueSize: wc.Queue,
			})
			if err != nil {
				cleanup()
				return nil, nil, errors.Annotatef(err, "worker %q", wc.Name)
			}
			workers = append(workers, w)
			closers = append(closers, func() {
				if err := worker.Stop(w); err != nil {
					logger.Warningf("stopping worker %s: %v", w.Name(), err)
				}
			})
		case workerMQTT:
			password := ""
			if wc.PasswordEnv != "" {
				password = getenv(wc.PasswordEnv)
			}
			w, err := analysis.DialMQTT(analysis.MQTTConfig{
				Name:     wc.Name,
				Broker:   wc.Broker,
				ClientID: wc.ClientID,
				Username: wc.Username,
				Password: password,
				Topic:    wc.Topic,
				QoS:      wc.QoS,
				Timeout:  wc.Timeout,
			})
			if err != nil {
				cleanup()
				return nil, nil, errors.Annotatef(err, "worker %q", wc.Name)
			}
			workers = append(workers, w)
			closers = append(closers, func() { _ = w.Close() })
		case workerWebsocket:
			w, err := analysis.DialWebsocket(ctx, wc.Name, wc.URL, nil)
			if err != nil {
				cleanup()
				return nil, nil, errors.Annotatef(err, "worker %q", wc.Name)
			}
			workers = append(workers, w)
			closers = append(closers, func() { _ = w.Close() })
		default:
			cleanup()
			return nil, nil, errors.NotSupportedf("worker kind %q", wc.Kind)
		}
	}
	return workers, cleanup, nil
}

func buildEvaluator(wc WorkerConfig) (analysis.Evaluator, error) {
	if len(wc.Command) > 0 {
		return analysis.CommandEvaluator{Command: wc.Command, Dir: wc.Dir}, nil
	}
	return analysis.NewSpoolEvaluator(wc.Spool)
}
