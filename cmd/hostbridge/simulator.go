package main

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glimte/hostbridge/contracts"
	"github.com/glimte/hostbridge/interceptors"
)

// simulatorConfig describes a stand-in host
type simulatorConfig struct {
	denied  []string
	reason  string
	delay   time.Duration
	timeout time.Duration
	rate    float64
	burst   int
	stats   *handlerStats
}

// newSimulator returns a host handler that echoes every payload back as the
// result. Denied operations fail with the configured reason.
func newSimulator(cfg simulatorConfig, logger *slog.Logger) contracts.HostHandler {
	var denied []string
	for _, op := range cfg.denied {
		if op = strings.TrimSpace(op); op != "" {
			denied = append(denied, op)
		}
	}

	chain := interceptors.NewChain(logger).
		Add(interceptors.NewLoggingInterceptor(logger)).
		Add(interceptors.NewRecoveryInterceptor(logger))

	if cfg.stats != nil {
		chain.Add(interceptors.NewMetricsInterceptor(cfg.stats))
	}

	chain.Add(interceptors.NewDeduplicationInterceptor(0)).
		Add(interceptors.NewRateLimitingInterceptor(cfg.rate, cfg.burst)).
		Add(interceptors.NewFilteringInterceptor(interceptors.DenyOperations(denied...), cfg.reason))

	if cfg.timeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(cfg.timeout))
	}

	return chain.Then(echoHandler(cfg.delay))
}

// echoHandler answers with the envelope's object after delay
func echoHandler(delay time.Duration) contracts.HostHandler {
	return func(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if len(env.Object) == 0 {
			return nil, nil
		}
		return env.Object, nil
	}
}

// handlerStats counts answered and rejected calls per operation
type handlerStats struct {
	mu       sync.Mutex
	answered map[string]int
	rejected map[string]int
	total    time.Duration
}

func newHandlerStats() *handlerStats {
	return &handlerStats{
		answered: make(map[string]int),
		rejected: make(map[string]int),
	}
}

// RecordHandled implements interceptors.HandlerMetrics
func (s *handlerStats) RecordHandled(operation string, duration time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if failed {
		s.rejected[operation]++
	} else {
		s.answered[operation]++
	}
	s.total += duration
}

// log writes one line per operation seen
func (s *handlerStats) log(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for op := range s.answered {
		seen[op] = true
	}
	for op := range s.rejected {
		seen[op] = true
	}

	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	for _, op := range ops {
		logger.Info("operation summary", "operation", op, "answered", s.answered[op], "rejected", s.rejected[op])
	}
	logger.Info("host stopped", "operations", len(ops), "handlerTime", s.total)
}
