// Package interview orchestrates conversation turns: it appends and
// persists the user's message first, then drives the generator for the
// interviewer reply and the specification merge, accounts token usage
// against the rate limiter, and persists the resulting aggregate.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/specdraft/specdraft/pkg/generator"
	"github.com/specdraft/specdraft/pkg/merge"
	"github.com/specdraft/specdraft/pkg/progress"
	"github.com/specdraft/specdraft/pkg/ratelimit"
	"github.com/specdraft/specdraft/pkg/session"
	"github.com/specdraft/specdraft/pkg/spec"
)

// ErrSessionClosed is returned when a turn is attempted against an
// abandoned or submitted session. Closed sessions accept no new turns.
var ErrSessionClosed = errors.New("session no longer accepts turns")

// ErrEmptyInput is returned when the user message is blank.
var ErrEmptyInput = errors.New("empty message")

// fallbackReply is shown when the interviewer completion call fails. The
// user's message is already persisted at that point.
const fallbackReply = "I had trouble responding just now. Your message is saved; please continue or try again."

// TurnResult is the outcome of one conversation turn.
type TurnResult struct {
	// State is the session state after the turn.
	State *session.State

	// Reply is the interviewer's message for this turn.
	Reply spec.Message

	// SpecUpdated reports whether this turn produced a new specification
	// version. False when the merge failed closed or was skipped.
	SpecUpdated bool

	// Degraded reports that the interviewer reply fell back because the
	// generator was unavailable.
	Degraded bool
}

// Service coordinates a turn across the session manager, rate limiter,
// merge engine, and generator.
type Service struct {
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	engine   *merge.Engine
	gen      generator.Generator
	logger   *slog.Logger
}

// NewService wires the turn orchestrator.
func NewService(sessions *session.Manager, limiter *ratelimit.Limiter, engine *merge.Engine, gen generator.Generator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions: sessions,
		limiter:  limiter,
		engine:   engine,
		gen:      gen,
		logger:   logger,
	}
}

// HandleTurn processes one user turn. The user message is appended and
// persisted before any generator work, so a typed message is never lost to
// downstream failures. Streaming chunks of the interviewer reply are passed
// to onChunk when it is non-nil.
//
// Failure behavior: rate-limit and lookup errors surface before anything is
// written. A storage failure on the append path fails the turn after a
// best-effort error-state write. Generator failures after the append are
// absorbed: the turn completes with a fallback reply and no specification
// update.
func (s *Service) HandleTurn(ctx context.Context, sessionID, identity, input string, onChunk generator.StreamFunc) (*TurnResult, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	if err := s.limiter.Allow(identity); err != nil {
		return nil, err
	}

	state, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.Session.Status != session.StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrSessionClosed, state.Session.Status)
	}

	userMsg := spec.NewMessage(spec.RoleUser, input)
	state.Messages = append(state.Messages, userMsg)

	// The ack step: persist the append before touching the generator.
	if err := s.sessions.SaveSessionState(ctx, sessionID, state); err != nil {
		s.sessions.PreserveErrorState(ctx, sessionID, err, input, state)
		return nil, err
	}

	result := &TurnResult{}

	replyText, usage, replyErr := s.interviewerReply(ctx, state, onChunk)
	if usage.TotalTokens > 0 {
		s.limiter.RecordTokens(identity, usage.TotalTokens)
	}
	if replyErr != nil {
		s.logger.Warn("interviewer reply failed, using fallback",
			"session_id", sessionID, "error", replyErr)
		replyText = fallbackReply
		result.Degraded = true
	}

	outcome, err := s.engine.Merge(ctx, merge.Request{
		Mode:        merge.ModeUpdate,
		Current:     state.Spec,
		NewMessages: []spec.Message{userMsg},
		FirstRun:    state.Spec == nil,
	})
	if err != nil {
		return nil, err
	}
	if outcome.Usage.TotalTokens > 0 {
		s.limiter.RecordTokens(identity, outcome.Usage.TotalTokens)
	}
	if outcome.Updated {
		state.Spec = outcome.Spec
		result.SpecUpdated = true
	}

	reply := spec.NewMessage(spec.RoleAssistant, replyText)
	if result.SpecUpdated {
		reply.Meta = &spec.Meta{SpecUpdated: true}
	}
	state.Messages = append(state.Messages, reply)
	state.Progress = progress.Derive(state.Spec)

	if err := s.sessions.SaveSessionState(ctx, sessionID, state); err != nil {
		// the user message already persisted in the ack step
		s.sessions.PreserveErrorState(ctx, sessionID, err, input, state)
		return nil, err
	}

	result.State = state
	result.Reply = reply
	return result, nil
}

// Finalize runs the terminal merge pass, tightening the specification
// without introducing new facts, and persists the result.
func (s *Service) Finalize(ctx context.Context, sessionID, identity string) (*session.State, error) {
	if err := s.limiter.Allow(identity); err != nil {
		return nil, err
	}

	state, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.Spec == nil {
		return nil, fmt.Errorf("nothing to finalize: no specification yet")
	}

	outcome, err := s.engine.Merge(ctx, merge.Request{
		Mode:    merge.ModeFinalize,
		Current: state.Spec,
	})
	if err != nil {
		return nil, err
	}
	if outcome.Usage.TotalTokens > 0 {
		s.limiter.RecordTokens(identity, outcome.Usage.TotalTokens)
	}
	if outcome.Updated {
		state.Spec = outcome.Spec
		state.Progress = progress.Derive(state.Spec)
		if err := s.sessions.SaveSessionState(ctx, sessionID, state); err != nil {
			return nil, err
		}
	}

	return state, nil
}

// interviewerReply streams the next interviewer message from the generator.
func (s *Service) interviewerReply(ctx context.Context, state *session.State, onChunk generator.StreamFunc) (string, generator.Usage, error) {
	msgs := buildInterviewerPrompt(state)

	if onChunk == nil {
		onChunk = func(string) {}
	}
	result, err := s.gen.CompleteStream(ctx, msgs, generator.Options{
		Temperature: 0.7,
		MaxTokens:   1024,
	}, onChunk)
	if err != nil {
		return "", generator.Usage{}, err
	}
	return result.Text, result.Usage, nil
}
