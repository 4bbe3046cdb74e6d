// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine orchestrates a conversation turn: fast-path solving,
// history bookkeeping, streaming generation with retry, and response
// post-processing. Failures never escape as errors; every turn produces
// text for the operator.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jeranaias/analyzer-tui/internal/config"
	"github.com/jeranaias/analyzer-tui/internal/events"
	"github.com/jeranaias/analyzer-tui/internal/history"
	"github.com/jeranaias/analyzer-tui/internal/llm"
	"github.com/jeranaias/analyzer-tui/internal/postprocess"
	"github.com/jeranaias/analyzer-tui/internal/solver"
	"github.com/jeranaias/analyzer-tui/internal/util"
)

// maxBackoff caps the delay between retry attempts.
const maxBackoff = 30 * time.Second

// maxInFlight bounds concurrent async generations. The local server
// serializes inference anyway; queueing more only burns memory.
const maxInFlight = 4

// Engine runs conversation turns against the model server.
type Engine struct {
	mu      sync.Mutex
	cfg     *config.Config
	client  *llm.Client
	history *history.History
	bus     *events.Bus
	log     *zap.Logger
	sem     *semaphore.Weighted

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(time.Duration)
}

// New creates an engine. The client is built from the config; a malformed
// host is a construction error.
func New(cfg *config.Config, hist *history.History, bus *events.Bus, log *zap.Logger) (*Engine, error) {
	client, err := llm.NewClient(llm.Config{
		BaseURL:   cfg.Host,
		Model:     cfg.Model,
		Timeout:   cfg.Timeout(),
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		client:  client,
		history: hist,
		bus:     bus,
		log:     log,
		sem:     semaphore.NewWeighted(maxInFlight),
		sleep:   time.Sleep,
	}, nil
}

// History returns the engine's transcript.
func (e *Engine) History() *history.History {
	return e.history
}

// ApplyConfig swaps in a new configuration at runtime. The client is rebuilt
// so host, model and timeout changes take effect on the next turn. An
// invalid host keeps the previous client.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	client, err := llm.NewClient(llm.Config{
		BaseURL:   cfg.Host,
		Model:     cfg.Model,
		Timeout:   cfg.Timeout(),
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		e.log.Warn("config change kept previous model client", zap.Error(err))
		return
	}

	e.mu.Lock()
	e.cfg = cfg
	e.client = client
	e.mu.Unlock()

	e.history.SetSystem(cfg.SystemPrompt)
	e.log.Info("engine reconfigured",
		zap.String("host", cfg.Host),
		zap.String("model", cfg.Model))
}

func (e *Engine) snapshot() (*config.Config, *llm.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.client
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate runs one conversation turn and returns the reply text. It never
// returns an error: failures become an explanatory fallback reply that is
// recorded in history like any other assistant message.
func (e *Engine) Generate(ctx context.Context, input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	cfg, client := e.snapshot()

	// Trivial arithmetic never touches the network. The question is not
	// recorded; only the answer enters the transcript.
	if answer, ok := solver.Solve(input); ok {
		e.log.Debug("fast-path solve", zap.String("input", util.TruncateRunes(input, 80)))
		e.history.PushAssistant(answer)
		e.bus.Publish(events.Message(answer))
		return answer
	}

	e.history.PushUser(input)
	messages := toWire(e.history.Export())

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		content, err := e.attempt(ctx, cfg, client, messages)
		if err == nil {
			reply := postprocess.Process(content)
			e.history.PushAssistant(reply)
			e.bus.Publish(events.Message(reply))
			return reply
		}
		lastErr = err

		if !llm.IsTransient(err) {
			e.log.Error("generation failed permanently", zap.Error(err))
			break
		}
		if attempt > cfg.MaxRetries {
			break
		}

		delay := backoffDelay(attempt)
		e.log.Warn("generation attempt failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		e.bus.Publish(events.Status(fmt.Sprintf("model server unavailable, retrying in %s (attempt %d/%d)",
			delay, attempt, cfg.MaxRetries)))
		e.sleep(delay)
	}

	reply := e.fallback(cfg, lastErr)
	e.history.PushAssistant(reply)
	e.bus.Publish(events.Message(reply))
	return reply
}

// GenerateAsync runs Generate on its own goroutine, bounded by the in-flight
// cap. The reply arrives on the event bus.
func (e *Engine) GenerateAsync(ctx context.Context, input string) {
	go func() {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)

		e.bus.Publish(events.Status("thinking..."))
		e.Generate(ctx, input)
	}()
}

// attempt performs a single generation attempt, streaming fragments into a
// buffer. The chat endpoint is preferred; a 404 means this server build only
// has the flattened-prompt endpoint, so fall back once and go on.
func (e *Engine) attempt(ctx context.Context, cfg *config.Config, client *llm.Client, messages []llm.Message) (string, error) {
	var b strings.Builder
	collect := func(f llm.Fragment) error {
		b.WriteString(f.Content)
		return nil
	}

	if !cfg.PreferGenerate {
		err := client.ChatStream(ctx, messages, collect)
		if err == nil {
			return b.String(), nil
		}
		if !llm.IsNotFound(err) {
			return "", err
		}
		e.log.Debug("chat endpoint missing, using generate endpoint")
		b.Reset()
	}

	prompt := llm.BuildPrompt(messages, cfg.HistoryCapacity)
	if err := client.GenerateStream(ctx, prompt, collect); err != nil {
		return "", err
	}
	return b.String(), nil
}

// backoffDelay returns the capped exponential delay after the given failed
// attempt: 2s, 4s, 8s, ... up to 30s.
func backoffDelay(attempt int) time.Duration {
	delay := 2 * time.Second << (attempt - 1)
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// fallback builds the reply used when every attempt failed. It names the
// server and model so the operator can act on it.
func (e *Engine) fallback(cfg *config.Config, cause error) string {
	e.bus.Publish(events.Error(fmt.Sprintf("model server at %s unreachable: %v", cfg.Host, cause)))
	return fmt.Sprintf(
		"I could not reach the model server at %s (model %q). "+
			"Check that the server is running and the model is pulled, then ask again.",
		cfg.Host, cfg.Model)
}

// =============================================================================
// WARMUP
// =============================================================================

// Warmup issues one minimal generation in the background so the server
// loads the model before the first real turn. A reachability ping alone
// would leave the model cold and the opening question paying the load
// latency. The output is discarded and nothing enters the transcript.
// Failures are reported, not fatal.
func (e *Engine) Warmup(ctx context.Context) {
	go func() {
		cfg, client := e.snapshot()
		warmup := []llm.Message{{Role: "user", Content: "Hi"}}
		if _, err := e.attempt(ctx, cfg, client, warmup); err != nil {
			e.log.Warn("model warmup failed", zap.Error(err))
			e.bus.Publish(events.Status("model server not reachable yet"))
			return
		}
		e.bus.Publish(events.Status("model server ready"))
	}()
}

func toWire(messages []history.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
