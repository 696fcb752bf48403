// Package dispatch turns webhook deliveries into agent conversation turns:
// deduplication, command handling, concurrency gating, capability invocation
// with a hard deadline, and durable session writes for every gated turn.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/dotsetgreg/bolagent/pkg/agent"
	"github.com/dotsetgreg/bolagent/pkg/logger"
	"github.com/dotsetgreg/bolagent/pkg/session"
)

const emptyReplyText = "Hmm, I don't have a response for that. Try rephrasing?"

// activeConversationKey is the user-scope state key that points at the
// conversation /new most recently minted.
const activeConversationKey = "active_conversation"

// Config tunes one dispatcher instance.
type Config struct {
	// App is the application partition in the session store.
	App string
	// MaxConcurrent bounds simultaneous capability invocations.
	MaxConcurrent int
	// InvokeTimeout is the hard deadline for one capability invocation.
	InvokeTimeout time.Duration
	// GateWait is how long a delivery waits for a concurrency slot before
	// the turn fails as overloaded.
	GateWait time.Duration
	// MessageLimit is the maximum outbound message size in bytes.
	MessageLimit int
	// HistorySize is the capacity of the recent update-id set used for
	// deduplication.
	HistorySize int
	// HistoryEvents is how many prior events are handed to the capability
	// as context.
	HistoryEvents int
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 45 * time.Second
	}
	if c.GateWait <= 0 {
		c.GateWait = 5 * time.Second
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = 4096
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1024
	}
	if c.HistoryEvents <= 0 {
		c.HistoryEvents = 40
	}
}

// Sender delivers replies back to the chat surface.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendTyping(ctx context.Context, chatID int64) error
}

// Delivery is one webhook delivery, already parsed off the wire.
type Delivery struct {
	UpdateID int64
	ChatID   int64
	UserID   string
	Text     string
	// ConversationHint overrides conversation resolution when set.
	ConversationHint string
}

// Outcome says what happened to a delivery.
type Outcome int

const (
	// OutcomeHandled means the turn ran to a reply (success or a single
	// failure reply).
	OutcomeHandled Outcome = iota
	// OutcomeDiscarded means the delivery was a duplicate or carried
	// nothing to process.
	OutcomeDiscarded
	// OutcomeUnavailable means lazy initialization has not succeeded; the
	// sender should retry the delivery.
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Dispatcher routes deliveries through the session engine and the agent
// capability. Safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	sessions *session.Service
	invoker  agent.Invoker
	sender   Sender
	initFn   func(context.Context) error

	gate      *semaphore.Weighted
	initGroup singleflight.Group
	ready     atomic.Bool
	seen      *lru.Cache[int64, struct{}]
	log       zerolog.Logger
}

// New builds a dispatcher. initFn, when non-nil, runs once on the first
// delivery; until it succeeds every delivery reports OutcomeUnavailable.
func New(cfg Config, sessions *session.Service, invoker agent.Invoker, sender Sender, initFn func(context.Context) error) (*Dispatcher, error) {
	cfg.applyDefaults()

	seen, err := lru.New[int64, struct{}](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("build dedupe cache: %w", err)
	}

	return &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		invoker:  invoker,
		sender:   sender,
		initFn:   initFn,
		gate:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		seen:     seen,
		log:      logger.For("dispatch"),
	}, nil
}

// State reports the initialization state for the status endpoint.
func (d *Dispatcher) State() string {
	if d.ready.Load() {
		return "READY"
	}
	return "UNINITIALIZED"
}

// ensureReady runs lazy initialization exactly once across concurrent
// deliveries. A failed attempt leaves the dispatcher uninitialized so a
// later delivery can retry.
func (d *Dispatcher) ensureReady(ctx context.Context) error {
	if d.ready.Load() {
		return nil
	}
	_, err, _ := d.initGroup.Do("init", func() (any, error) {
		if d.ready.Load() {
			return nil, nil
		}
		if d.initFn != nil {
			if err := d.initFn(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNotInitialized, err)
			}
		}
		d.ready.Store(true)
		return nil, nil
	})
	return err
}

// HandleDelivery processes one delivery end to end and reports its outcome.
// Duplicates and empty deliveries are discarded; every delivery past the
// concurrency gate leaves a trace in the session log.
func (d *Dispatcher) HandleDelivery(ctx context.Context, dl Delivery) Outcome {
	start := time.Now()

	if err := d.ensureReady(ctx); err != nil {
		d.log.Error().Err(err).Int64("update_id", dl.UpdateID).Msg("initialization failed")
		return OutcomeUnavailable
	}

	if dl.UserID == "" || strings.TrimSpace(dl.Text) == "" {
		d.log.Debug().Int64("update_id", dl.UpdateID).Msg("delivery has no processable text")
		return OutcomeDiscarded
	}

	if _, dup := d.seen.Get(dl.UpdateID); dup {
		d.log.Info().Int64("update_id", dl.UpdateID).Msg("duplicate delivery discarded")
		return OutcomeDiscarded
	}
	d.seen.Add(dl.UpdateID, struct{}{})

	var outcome Outcome
	switch command(dl.Text) {
	case "start":
		d.send(ctx, dl.ChatID, startText)
		outcome = OutcomeHandled
	case "help":
		d.send(ctx, dl.ChatID, helpMenu)
		outcome = OutcomeHandled
	case "new":
		outcome = d.handleNew(ctx, dl)
	default:
		// Unknown slash commands are forwarded to the capability as
		// ordinary input.
		outcome = d.handleTurn(ctx, dl)
	}

	d.log.Info().
		Int64("update_id", dl.UpdateID).
		Str("user", dl.UserID).
		Str("outcome", outcome.String()).
		Dur("latency", time.Since(start)).
		Msg("delivery processed")
	return outcome
}

// handleNew mints a fresh conversation and repoints the user at it. The old
// conversation is left in place with its events intact.
func (d *Dispatcher) handleNew(ctx context.Context, dl Delivery) Outcome {
	conv := fmt.Sprintf("telegram_%s_%d", dl.UserID, time.Now().Unix())
	id := session.Identity{App: d.cfg.App, User: dl.UserID, Conversation: conv}

	if _, err := d.sessions.CreateOrGet(ctx, id); err != nil {
		return d.failTurn(ctx, dl, session.Identity{}, false, fmt.Errorf("%w: %v", ErrStoreFailure, err))
	}

	ev := session.NewEvent(session.AuthorSystem, newConversationText)
	delta := session.StateDelta{User: map[string]any{activeConversationKey: conv}}
	if _, err := d.sessions.AppendEvent(ctx, id, ev, delta); err != nil {
		return d.failTurn(ctx, dl, session.Identity{}, false, fmt.Errorf("%w: %v", ErrStoreFailure, err))
	}

	d.send(ctx, dl.ChatID, newConversationText)
	return OutcomeHandled
}

func (d *Dispatcher) handleTurn(ctx context.Context, dl Delivery) Outcome {
	id, err := d.resolveConversation(ctx, dl)
	if err != nil {
		return d.failTurn(ctx, dl, session.Identity{}, false, fmt.Errorf("%w: %v", ErrStoreFailure, err))
	}

	gateCtx, cancelGate := context.WithTimeout(ctx, d.cfg.GateWait)
	err = d.gate.Acquire(gateCtx, 1)
	cancelGate()
	if err != nil {
		return d.failTurn(ctx, dl, id, false, ErrOverloaded)
	}
	defer d.gate.Release(1)

	// Best effort; a failed typing indicator never fails the turn.
	_ = d.sender.SendTyping(ctx, dl.ChatID)

	if _, err := d.sessions.CreateOrGet(ctx, id); err != nil {
		return d.failTurn(ctx, dl, id, false, fmt.Errorf("%w: %v", ErrStoreFailure, err))
	}
	state, err := d.sessions.EffectiveState(ctx, id)
	if err != nil {
		return d.failTurn(ctx, dl, id, false, fmt.Errorf("%w: %v", ErrStoreFailure, err))
	}
	history, err := d.sessions.ListEvents(ctx, id, d.cfg.HistoryEvents)
	if err != nil {
		return d.failTurn(ctx, dl, id, false, fmt.Errorf("%w: %v", ErrStoreFailure, err))
	}

	if _, err := d.sessions.AppendEvent(ctx, id, session.NewEvent(session.AuthorUser, dl.Text), session.StateDelta{}); err != nil {
		return d.failTurn(ctx, dl, id, false, fmt.Errorf("%w: %v", ErrStoreFailure, err))
	}

	reply, delta, err := d.invoke(ctx, agent.Request{
		Identity: id,
		History:  toMessages(history),
		State:    state,
		Input:    dl.Text,
	})
	if err != nil {
		return d.failTurn(ctx, dl, id, true, classifyInvoke(err))
	}

	if strings.TrimSpace(reply) == "" {
		reply = emptyReplyText
	}
	if _, err := d.sessions.AppendEvent(ctx, id, session.NewEvent(session.AuthorAgent, reply), delta); err != nil {
		return d.failTurn(ctx, dl, id, true, fmt.Errorf("%w: %v", ErrStoreFailure, err))
	}

	d.send(ctx, dl.ChatID, reply)
	return OutcomeHandled
}

// resolveConversation picks the conversation for a delivery: explicit hint,
// then the user's active conversation, then the per-user default.
func (d *Dispatcher) resolveConversation(ctx context.Context, dl Delivery) (session.Identity, error) {
	conv := dl.ConversationHint
	if conv == "" {
		state, err := d.sessions.UserState(ctx, d.cfg.App, dl.UserID)
		if err != nil {
			return session.Identity{}, err
		}
		if v, ok := state[activeConversationKey].(string); ok && v != "" {
			conv = v
		}
	}
	if conv == "" {
		conv = "telegram_" + dl.UserID
	}
	return session.Identity{App: d.cfg.App, User: dl.UserID, Conversation: conv}, nil
}

// invoke runs the capability under the turn deadline and accumulates the
// fragment stream into a full reply plus merged state deltas.
func (d *Dispatcher) invoke(ctx context.Context, req agent.Request) (string, session.StateDelta, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, d.cfg.InvokeTimeout)
	defer cancel()

	var delta session.StateDelta
	stream, err := d.invoker.Invoke(invokeCtx, req)
	if err != nil {
		return "", delta, err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		frag, err := stream.Recv(invokeCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", delta, err
		}
		sb.WriteString(frag.Text)
		mergeDelta(&delta, frag.StateDelta)
		if frag.Done {
			break
		}
	}
	return sb.String(), delta, nil
}

// failTurn is the single failure path: it persists what the failure class
// allows, releases the dedupe marker when a retry could succeed, and sends
// exactly one failure reply.
func (d *Dispatcher) failTurn(ctx context.Context, dl Delivery, id session.Identity, userPersisted bool, cause error) Outcome {
	d.log.Warn().Err(cause).
		Int64("update_id", dl.UpdateID).
		Str("user", dl.UserID).
		Msg("turn failed")

	if errors.Is(cause, ErrStoreFailure) {
		// The store is the one dependency a redelivery could find healthy
		// again; let the same update through next time.
		d.seen.Remove(dl.UpdateID)
	} else if id.Validate() == nil {
		if _, err := d.sessions.CreateOrGet(ctx, id); err == nil {
			if !userPersisted {
				if _, err := d.sessions.AppendEvent(ctx, id, session.NewEvent(session.AuthorUser, dl.Text), session.StateDelta{}); err != nil {
					d.log.Warn().Err(err).Msg("persist user event on failure path")
				}
			}
			errEv := session.NewEvent(session.AuthorAgent, "")
			errEv.Error = cause.Error()
			if _, err := d.sessions.AppendEvent(ctx, id, errEv, session.StateDelta{}); err != nil {
				d.log.Warn().Err(err).Msg("persist error event")
			}
		}
	}

	d.send(ctx, dl.ChatID, failureReply(cause))
	return OutcomeHandled
}

// send chunks and delivers a reply. Delivery failures are logged only: the
// turn is already durable in the session log.
func (d *Dispatcher) send(ctx context.Context, chatID int64, text string) {
	for _, chunk := range splitMessage(text, d.cfg.MessageLimit) {
		if err := d.sender.SendMessage(ctx, chatID, chunk); err != nil {
			d.log.Error().Err(err).Int64("chat_id", chatID).Msg("send reply failed")
			return
		}
	}
}

func classifyInvoke(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrCapabilityFailure, err)
}

// toMessages converts log events into capability history. Error events,
// empty events, and system markers are not conversation content.
func toMessages(events []*session.Event) []agent.Message {
	msgs := make([]agent.Message, 0, len(events))
	for _, ev := range events {
		if ev.Error != "" || ev.Text == "" {
			continue
		}
		if ev.Author != session.AuthorUser && ev.Author != session.AuthorAgent {
			continue
		}
		msgs = append(msgs, agent.Message{Role: ev.Author, Text: ev.Text})
	}
	return msgs
}

func mergeDelta(dst *session.StateDelta, src session.StateDelta) {
	if src.Empty() {
		return
	}
	merge := func(dst *map[string]any, src map[string]any) {
		if len(src) == 0 {
			return
		}
		if *dst == nil {
			*dst = map[string]any{}
		}
		for k, v := range src {
			(*dst)[k] = v
		}
	}
	merge(&dst.App, src.App)
	merge(&dst.User, src.User)
	merge(&dst.Conversation, src.Conversation)
}
