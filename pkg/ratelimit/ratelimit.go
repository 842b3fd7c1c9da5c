// Package ratelimit provides a fixed-window rate limiter with independent
// request and token budgets per caller identity. It guards calls into the
// external generator; callers that are refused must defer the call and retry
// with backoff rather than issue it.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Budget names identify which budget refused a request.
const (
	BudgetRequests = "requests"
	BudgetTokens   = "tokens"
)

// ErrLimited is the sentinel all limit errors wrap; match with errors.Is.
var ErrLimited = errors.New("rate limited")

// LimitError reports which budget was exceeded and when the window resets.
type LimitError struct {
	Identity   string
	Budget     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited: %s budget exceeded for %s, retry in %s",
		e.Budget, e.Identity, e.RetryAfter.Round(time.Second))
}

// Unwrap lets errors.Is(err, ErrLimited) match LimitError values.
func (*LimitError) Unwrap() error { return ErrLimited }

// Config configures the limiter.
type Config struct {
	// Window is the fixed window length. Both budgets reset when it elapses.
	Window time.Duration

	// MaxRequests is the request budget per window. Zero disables the budget.
	MaxRequests int

	// MaxTokens is the generator token budget per window. Zero disables
	// the budget.
	MaxTokens int
}

// window is one identity's counters within the current fixed window.
type window struct {
	start    time.Time
	requests int
	tokens   int
}

// Limiter tracks fixed-window counters per caller identity.
// It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	cfg     Config

	// now is a seam for tests.
	now func() time.Time

	cancel chan struct{}
	done   chan struct{}
}

// New creates a limiter with the given budgets.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		windows: make(map[string]*window),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Allow accounts one request for identity inside the current window and
// returns a LimitError if either budget is already exceeded. The request
// counter is incremented even when the call is refused, matching
// fixed-window semantics where refused attempts still consume the window.
func (l *Limiter) Allow(identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.window(identity)
	w.requests++

	if l.cfg.MaxRequests > 0 && w.requests > l.cfg.MaxRequests {
		return &LimitError{
			Identity:   identity,
			Budget:     BudgetRequests,
			RetryAfter: l.retryAfter(w),
		}
	}
	if l.cfg.MaxTokens > 0 && w.tokens >= l.cfg.MaxTokens {
		return &LimitError{
			Identity:   identity,
			Budget:     BudgetTokens,
			RetryAfter: l.retryAfter(w),
		}
	}
	return nil
}

// RecordTokens accounts generator token usage against identity's token
// budget. Callers invoke this after a completion call returns.
func (l *Limiter) RecordTokens(identity string, tokens int) {
	if tokens <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.window(identity)
	w.tokens += tokens
}

// window returns identity's counters, resetting them when the fixed window
// has elapsed. Callers must hold l.mu.
func (l *Limiter) window(identity string) *window {
	now := l.now()
	w, ok := l.windows[identity]
	if !ok || now.Sub(w.start) >= l.cfg.Window {
		w = &window{start: now}
		l.windows[identity] = w
	}
	return w
}

// retryAfter reports how long until the window resets. Callers must hold l.mu.
func (l *Limiter) retryAfter(w *window) time.Duration {
	remaining := l.cfg.Window - l.now().Sub(w.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Sweep drops windows that elapsed, bounding memory for churning identities.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for identity, w := range l.windows {
		if now.Sub(w.start) >= l.cfg.Window {
			delete(l.windows, identity)
		}
	}
}

// StartSweeper starts a background goroutine that periodically removes
// elapsed windows. The goroutine is stopped when Close is called.
func (l *Limiter) StartSweeper(interval time.Duration) {
	l.cancel = make(chan struct{})
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-l.cancel:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Close stops the sweeper goroutine and waits for it to exit.
// It is safe to call Close even if StartSweeper was never called.
func (l *Limiter) Close() error {
	if l.cancel != nil {
		close(l.cancel)
		<-l.done
	}
	return nil
}
