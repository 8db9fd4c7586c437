// Package chat orchestrates coverage turns over sessions: it runs the
// agent, streams composer tokens, applies the grounding check, and
// persists transcripts.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"policyguard/internal/agent"
	"policyguard/internal/llm"
	"policyguard/internal/logging"
	"policyguard/internal/policy"
	"policyguard/internal/store"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventType discriminates stream events.
type EventType string

const (
	EventToken   EventType = "token"
	EventVerdict EventType = "verdict"
	EventError   EventType = "error"
)

// Event is one element of a turn's output stream. Token events arrive in
// emission order; a verdict trailer or a terminal error closes the turn.
type Event struct {
	Type    EventType         `json:"type"`
	Token   string            `json:"token,omitempty"`
	Verdict *policy.Verdict   `json:"verdict,omitempty"`
	Err     *policy.TurnError `json:"error,omitempty"`
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator holds session state and runs turns. Each session processes
// one turn at a time; a second turn waits for the first. Compose
// concurrency across all sessions is bounded by a global semaphore.
type Orchestrator struct {
	store *store.ChunkStore
	agent *agent.Agent
	llm   llm.Client

	composeSem *semaphore.Weighted

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock serializes one session's turns. refs counts waiters so the
// entry can be evicted once the last turn finishes.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an orchestrator. composeStreams bounds concurrent composer
// calls across all sessions.
func New(s *store.ChunkStore, a *agent.Agent, llmClient llm.Client, composeStreams int64) *Orchestrator {
	if composeStreams <= 0 {
		composeStreams = 8
	}
	return &Orchestrator{
		store:      s,
		agent:      a,
		llm:        llmClient,
		composeSem: semaphore.NewWeighted(composeStreams),
		locks:      make(map[string]*sessionLock),
	}
}

// CreateSession opens a session bound to a policy.
func (o *Orchestrator) CreateSession(ctx context.Context, policyID string) (store.Session, error) {
	return o.store.CreateSession(ctx, policyID)
}

// History returns a session's transcript.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]store.Message, error) {
	return o.store.Messages(ctx, sessionID)
}

// Turn runs one user message through the agent and streams the result.
// The caller's claimed policyID must match the session's binding; a
// mismatch is rejected before any work runs.
func (o *Orchestrator) Turn(ctx context.Context, sessionID, policyID, message string) (<-chan Event, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if policyID != "" && sess.PolicyID != policyID {
		logging.Audit("policy mismatch: session %s is bound to %s, caller claimed %s",
			sessionID, sess.PolicyID, policyID)
		return nil, fmt.Errorf("%w: session %s is bound to a different policy",
			policy.ErrPolicyMismatch, sessionID)
	}

	events := make(chan Event, 64)
	go o.runTurn(ctx, sess, message, events)
	return events, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, sess store.Session, message string, events chan<- Event) {
	defer close(events)

	// One turn at a time per session; later turns wait their turn.
	lock := o.lockSession(sess.ID)
	defer o.unlockSession(sess.ID, lock)

	if err := ctx.Err(); err != nil {
		o.fail(ctx, events, err)
		return
	}

	logging.Chat("turn start: session=%s policy=%s", sess.ID, sess.PolicyID)

	decision, err := o.agent.Decide(ctx, sess.PolicyID, message)
	if err != nil {
		o.fail(ctx, events, err)
		return
	}

	if err := o.composeSem.Acquire(ctx, 1); err != nil {
		o.fail(ctx, events, err)
		return
	}
	tokens, composeErrs := o.llm.Compose(ctx, decision.Compose)

	var composed strings.Builder
	for tok := range tokens {
		composed.WriteString(tok)
		select {
		case events <- Event{Type: EventToken, Token: tok}:
		case <-ctx.Done():
			o.composeSem.Release(1)
			o.fail(ctx, events, ctx.Err())
			return
		}
	}
	o.composeSem.Release(1)

	if err := <-composeErrs; err != nil {
		// Partial tokens may have streamed; the caller is told the turn
		// aborted and gets no verdict trailer.
		o.fail(ctx, events, err)
		return
	}

	verdict := agent.ApplyGrounding(decision.Verdict, composed.String())
	select {
	case events <- Event{Type: EventVerdict, Verdict: &verdict}:
	case <-ctx.Done():
		return
	}

	// Transcript persistence is best effort; the answer already shipped.
	if err := o.store.AppendMessage(context.WithoutCancel(ctx), sess.ID, "user", message, nil); err != nil {
		logging.Chat("failed to persist user message: %v", err)
	}
	if err := o.store.AppendMessage(context.WithoutCancel(ctx), sess.ID, "assistant", composed.String(), &verdict); err != nil {
		logging.Chat("failed to persist assistant message: %v", err)
	}

	logging.Chat("turn done: session=%s status=%s", sess.ID, verdict.Status)
}

func (o *Orchestrator) lockSession(sessionID string) *sessionLock {
	o.mu.Lock()
	lock, ok := o.locks[sessionID]
	if !ok {
		lock = &sessionLock{}
		o.locks[sessionID] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (o *Orchestrator) unlockSession(sessionID string, lock *sessionLock) {
	o.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(o.locks, sessionID)
	}
	o.mu.Unlock()

	lock.mu.Unlock()
}

// fail reports the turn error without blocking on an abandoned consumer.
// Delivery is preferred when the buffer has room; the event is dropped
// only when the buffer is full and the turn context is already dead.
func (o *Orchestrator) fail(ctx context.Context, events chan<- Event, err error) {
	ev := Event{Type: EventError, Err: asTurnError(err)}
	select {
	case events <- ev:
		return
	default:
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// asTurnError maps internal failures to the stable wire codes.
func asTurnError(err error) *policy.TurnError {
	var turnErr *policy.TurnError
	if errors.As(err, &turnErr) {
		return turnErr
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &policy.TurnError{Code: policy.CodeCancelled, Message: "turn aborted by deadline", Cause: err}
	case errors.Is(err, policy.ErrProviderUnavailable):
		return &policy.TurnError{Code: policy.CodeProviderUnavailable, Message: "a provider is unavailable", Cause: err}
	default:
		return &policy.TurnError{Code: policy.CodeInternal, Message: "internal error", Cause: err}
	}
}
