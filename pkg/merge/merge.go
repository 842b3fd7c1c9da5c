// Package merge folds new conversation turns into an existing specification
// by delegating drafting to the external generator and enforcing the
// monotonic non-regression invariant on whatever comes back. The engine
// never lets generator output silently destroy prior work: on malformed or
// unparsable output it fails closed, returning the current specification
// unchanged with the full section checklist marked missing.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/specdraft/specdraft/pkg/generator"
	"github.com/specdraft/specdraft/pkg/progress"
	"github.com/specdraft/specdraft/pkg/spec"
)

// Mode discriminates the two merge request variants.
type Mode string

const (
	// ModeUpdate folds a window of new messages into the specification.
	ModeUpdate Mode = "update"

	// ModeFinalize tightens wording without introducing new facts.
	ModeFinalize Mode = "finalize"
)

// Request is a discriminated merge request.
type Request struct {
	// Mode selects update or finalize behavior.
	Mode Mode

	// Current is the specification being merged into. Nil is valid only
	// for the first update of a session.
	Current *spec.Specification

	// NewMessages is the bounded window of turns to fold in (update mode).
	NewMessages []spec.Message

	// FirstRun marks the very first merge for the session (update mode).
	FirstRun bool
}

// Outcome is the result of a merge.
type Outcome struct {
	// Spec is the complete specification after the merge. On a failed
	// merge it is the unmodified input.
	Spec *spec.Specification

	// Missing lists top-level sections still absent from the result.
	Missing []string

	// Updated reports whether a new specification version was produced.
	// False means the merge failed closed and Spec is the input.
	Updated bool

	// Usage is the generator token consumption, for budget accounting.
	Usage generator.Usage
}

// Config tunes the engine.
type Config struct {
	// Temperature for generator calls. Low values keep output stable.
	Temperature float64

	// MaxTokens caps generator output length.
	MaxTokens int

	// WindowSize bounds how many trailing messages are sent per merge.
	WindowSize int
}

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 4096
	defaultWindowSize  = 12
)

// Engine is the specification merge engine.
type Engine struct {
	gen generator.Generator
	cfg Config
}

// New creates a merge engine over a generator.
func New(gen generator.Generator, cfg Config) *Engine {
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	return &Engine{gen: gen, cfg: cfg}
}

// Merge executes a merge request. It always returns a usable outcome:
// generator failures and unparsable output are absorbed into a fail-closed
// outcome rather than propagated. The returned error is reserved for
// malformed requests.
func (e *Engine) Merge(ctx context.Context, req Request) (*Outcome, error) {
	switch req.Mode {
	case ModeUpdate:
		return e.update(ctx, req), nil
	case ModeFinalize:
		if req.Current == nil {
			return nil, fmt.Errorf("finalize requires a current specification")
		}
		return e.finalize(ctx, req), nil
	default:
		return nil, fmt.Errorf("unknown merge mode %q", req.Mode)
	}
}

func (e *Engine) update(ctx context.Context, req Request) *Outcome {
	current := req.Current
	if current == nil {
		current = &spec.Specification{}
	}

	msgs := buildUpdatePrompt(current, windowTail(req.NewMessages, e.cfg.WindowSize), req.FirstRun)

	result, err := e.gen.Complete(ctx, msgs, generator.Options{
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		slog.Warn("merge failed closed: generator error", "error", err)
		return failClosed(req.Current)
	}

	proposed, err := parsePayload(result.Text)
	if err != nil {
		slog.Warn("merge failed closed: unparsable generator output", "error", err)
		out := failClosed(req.Current)
		out.Usage = result.Usage
		return out
	}

	merged := enforceUpdate(current, proposed)
	merged.Version = current.Version + 1
	merged.UpdatedAt = time.Now().UTC()

	return &Outcome{
		Spec:    merged,
		Missing: missingSections(merged),
		Updated: true,
		Usage:   result.Usage,
	}
}

func (e *Engine) finalize(ctx context.Context, req Request) *Outcome {
	msgs := buildFinalizePrompt(req.Current)

	result, err := e.gen.Complete(ctx, msgs, generator.Options{
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		slog.Warn("finalize failed closed: generator error", "error", err)
		return failClosed(req.Current)
	}

	proposed, err := parsePayload(result.Text)
	if err != nil {
		slog.Warn("finalize failed closed: unparsable generator output", "error", err)
		out := failClosed(req.Current)
		out.Usage = result.Usage
		return out
	}

	merged := enforceFinalize(req.Current, proposed)
	merged.Version = req.Current.Version + 1
	merged.UpdatedAt = time.Now().UTC()

	return &Outcome{
		Spec:    merged,
		Missing: missingSections(merged),
		Updated: true,
		Usage:   result.Usage,
	}
}

// failClosed builds the outcome for an unusable generator response: the
// input specification untouched and every checklist section missing.
func failClosed(current *spec.Specification) *Outcome {
	return &Outcome{
		Spec:    current,
		Missing: progress.Sections(),
		Updated: false,
	}
}

// missingSections evaluates the fixed section checklist against a merged
// specification. The list is computed here, never taken from the generator.
func missingSections(s *spec.Specification) []string {
	derived := progress.Derive(s)
	sections := progress.Sections()

	missing := make([]string, 0, len(sections))
	for _, topic := range derived.Missing {
		for _, section := range sections {
			if topic == section {
				missing = append(missing, topic)
			}
		}
	}
	return missing
}

// windowTail returns the last n messages.
func windowTail(msgs []spec.Message, n int) []spec.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
