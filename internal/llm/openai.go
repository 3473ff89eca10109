package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var logger = loggo.GetLogger("funsearch.llm")

const (
	DefaultModel = openai.GPT3Dot5Turbo

	DefaultSystemMessage = "You are as assistant, skilled in understanding and expanding complex programming " +
		"concepts with creative flair. You always try to give many different ways for a problem"

	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = 30 * time.Second
)

type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	SystemMessage string
	// Temperature is passed through when non-nil.
	Temperature *float32

	// RequestsPerSecond limits outbound calls; zero means unlimited.
	RequestsPerSecond float64
	// MaxAttempts bounds calls per request, retrying rate-limit and server
	// errors. Zero or one disables retries.
	MaxAttempts int
	RetryDelay  time.Duration

	HTTPClient *http.Client
	Clock      clock.Clock
}

// OpenAIBackend completes prompts with the chat completions API, asking for
// all N choices in one request.
type OpenAIBackend struct {
	cfg     OpenAIConfig
	client  *openai.Client
	limiter *rate.Limiter
}

func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.NotValidf("empty OpenAI API key")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemMessage == "" {
		cfg.SystemMessage = DefaultSystemMessage
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &OpenAIBackend{
		cfg:     cfg,
		client:  openai.NewClientWithConfig(clientCfg),
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (b *OpenAIBackend) Complete(ctx context.Context, req Request) ([]string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: b.cfg.Model,
		N:     req.N,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: b.cfg.SystemMessage},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if b.cfg.Temperature != nil {
		chatReq.Temperature = *b.cfg.Temperature
	}

	var resp openai.ChatCompletionResponse
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
			var err error
			resp, err = b.client.CreateChatCompletion(ctx, chatReq)
			return err
		},
		IsFatalError: func(err error) bool {
			return !isTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("chat completion attempt %d failed: %v", attempt, err)
		},
		Attempts:    b.cfg.MaxAttempts,
		Delay:       b.cfg.RetryDelay,
		MaxDelay:    defaultMaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       b.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			if last := retry.LastError(err); last != nil {
				err = last
			}
		}
		return nil, errors.Annotatef(err, "chat completion with model %s", b.cfg.Model)
	}

	out := make([]string, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		if choice.Message.Content == "" {
			return nil, errors.Errorf("malformed response: empty content in choice %d", choice.Index)
		}
		out = append(out, choice.Message.Content)
	}
	return out, nil
}

func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
