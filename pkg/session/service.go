package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotsetgreg/bolagent/pkg/docstore"
	"github.com/dotsetgreg/bolagent/pkg/logger"
)

// Service is the session engine over a document store.
type Service struct {
	store docstore.Store
	log   zerolog.Logger
}

func NewService(store docstore.Store) *Service {
	return &Service{
		store: store,
		log:   logger.For("session"),
	}
}

// CreateOrGet returns the conversation for id, creating it (and any missing
// scope documents) on first use. Existing state is never overwritten.
func (s *Service) CreateOrGet(ctx context.Context, id Identity) (*Conversation, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	// Seed missing scope documents without touching existing ones.
	for _, path := range []string{appStatePath(id.App), userStatePath(id.App, id.User)} {
		if _, err := s.store.Get(ctx, path); errors.Is(err, docstore.ErrNotFound) {
			if err := s.store.Set(ctx, path, map[string]any{"state": map[string]any{}}); err != nil {
				return nil, fmt.Errorf("seed %s: %w", path, err)
			}
		} else if err != nil {
			return nil, err
		}
	}

	path := conversationPath(id)
	doc, err := s.store.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		now := time.Now().UnixMilli()
		data := map[string]any{
			"state":         map[string]any{},
			"updated_at_ms": now,
		}
		if err := s.store.Set(ctx, path, data); err != nil {
			return nil, fmt.Errorf("create conversation %s: %w", id, err)
		}
		s.log.Debug().Str("conversation", id.String()).Msg("conversation created")
		return &Conversation{Identity: id, State: map[string]any{}, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, err
	}

	return &Conversation{
		Identity:  id,
		State:     stateOf(doc.Data),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// EffectiveState merges the three state scopes for a conversation. Missing
// app or user state reads as empty; a missing conversation is an error.
func (s *Service) EffectiveState(ctx context.Context, id Identity) (map[string]any, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	conv, err := s.store.Get(ctx, conversationPath(id))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrConversationNotFound)
	}
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	for _, path := range []string{appStatePath(id.App), userStatePath(id.App, id.User)} {
		doc, err := s.store.Get(ctx, path)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for k, v := range stateOf(doc.Data) {
			merged[k] = v
		}
	}
	for k, v := range stateOf(conv.Data) {
		merged[k] = v
	}
	return merged, nil
}

// UserState returns the user-scope state for (app, user), or an empty map
// when the user has no state document yet.
func (s *Service) UserState(ctx context.Context, app, user string) (map[string]any, error) {
	doc, err := s.store.Get(ctx, userStatePath(app, user))
	if errors.Is(err, docstore.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	return stateOf(doc.Data), nil
}

// AppendEvent applies the delta's scope updates, then writes the event to the
// conversation log with the next sequence number. The event write is the
// durability point: deltas may land without the event if a failure intervenes,
// but never the reverse.
func (s *Service) AppendEvent(ctx context.Context, id Identity, event *Event, delta StateDelta) (*Event, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, conversationPath(id)); errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrConversationNotFound)
	} else if err != nil {
		return nil, err
	}

	if err := s.applyDelta(ctx, id, delta); err != nil {
		return nil, err
	}

	events, err := s.ListEvents(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	var maxSeq int64
	for _, e := range events {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	event.Seq = maxSeq + 1
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	data, err := encodeEvent(event)
	if err != nil {
		return nil, err
	}
	path := eventsCollection(id) + "/" + event.ID
	if err := s.store.Set(ctx, path, data); err != nil {
		return nil, fmt.Errorf("append event %s: %w", id, err)
	}

	// Touch the conversation so retention sees it as active. Best effort:
	// the event is already durable.
	touch := map[string]any{"updated_at_ms": time.Now().UnixMilli()}
	if err := s.store.Merge(ctx, conversationPath(id), touch); err != nil {
		s.log.Warn().Err(err).Str("conversation", id.String()).Msg("touch conversation failed")
	}
	return event, nil
}

func (s *Service) applyDelta(ctx context.Context, id Identity, delta StateDelta) error {
	if delta.Empty() {
		return nil
	}
	// Scope keys are opaque flat strings and may contain dots, so they must
	// never pass through the store's dotted-field-path syntax. Merge into
	// the state map here and write it back as one field.
	apply := func(path string, fields map[string]any) error {
		if len(fields) == 0 {
			return nil
		}
		current := map[string]any{}
		doc, err := s.store.Get(ctx, path)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("apply delta %s: %w", path, err)
		}
		if err == nil {
			for k, v := range stateOf(doc.Data) {
				current[k] = v
			}
		}
		for k, v := range fields {
			if v == nil {
				delete(current, k)
			} else {
				current[k] = v
			}
		}
		if err := s.store.Merge(ctx, path, map[string]any{"state": current}); err != nil {
			return fmt.Errorf("apply delta %s: %w", path, err)
		}
		return nil
	}
	if err := apply(appStatePath(id.App), delta.App); err != nil {
		return err
	}
	if err := apply(userStatePath(id.App, id.User), delta.User); err != nil {
		return err
	}
	return apply(conversationPath(id), delta.Conversation)
}

// ListEvents returns the conversation's events in log order. A positive
// limit selects the most recent events, still returned oldest first.
func (s *Service) ListEvents(ctx context.Context, id Identity, limit int) ([]*Event, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	docs, err := s.store.List(ctx, eventsCollection(id))
	if err != nil {
		return nil, err
	}

	events := make([]*Event, 0, len(docs))
	for _, doc := range docs {
		event, err := decodeEvent(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", doc.Path, err)
		}
		events = append(events, event)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Seq != events[j].Seq {
			return events[i].Seq < events[j].Seq
		}
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].ID < events[j].ID
	})

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Delete removes a conversation and its event log. App and user state are
// untouched. Deleting a missing conversation is not an error.
func (s *Service) Delete(ctx context.Context, id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := s.store.DeleteCollection(ctx, eventsCollection(id)); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, conversationPath(id)); err != nil {
		return err
	}
	s.log.Debug().Str("conversation", id.String()).Msg("conversation deleted")
	return nil
}

func stateOf(data map[string]any) map[string]any {
	if state, ok := data["state"].(map[string]any); ok {
		return state
	}
	return map[string]any{}
}

// encodeEvent and decodeEvent round-trip events through their JSON struct
// tags so the stored shape has a single source of truth.

func encodeEvent(e *Event) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return data, nil
}

func decodeEvent(data map[string]any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	e := &Event{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
