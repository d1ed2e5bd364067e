package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/silversage/guard/storage"
)

const (
	storeNamespace  = "__audit"
	eventRecordType = "AUDIT_EVENT"
	eventAADPrefix  = "audit:"
)

// Store persists events append-only in a storage.Repository. Each event is
// written create-only, so an existing entry is never overwritten.
type Store struct {
	repo   storage.Repository
	codec  *storage.Codec
	logger *slog.Logger
}

var _ Sink = (*Store)(nil)

func NewStore(repo storage.Repository, codec *storage.Codec, logger *slog.Logger) *Store {
	return &Store{repo: repo, codec: codec, logger: logger.With("component", "audit_store")}
}

func (s *Store) Record(_ context.Context, evt Event) {
	env, err := s.codec.Encode(evt, eventAADPrefix+evt.ID, 1)
	if err != nil {
		s.logger.Warn("encoding audit event", "event_id", evt.ID, "error", err)
		return
	}
	if err := s.repo.PutCAS(storeNamespace, eventRecordType, evt.ID, 0, env); err != nil {
		s.logger.Warn("persisting audit event", "event_id", evt.ID, "error", err)
	}
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	IdentityRef string
	Action      Action
	Since       time.Time
	FailureOnly bool
	Limit       int
}

func (f Filter) match(evt Event) bool {
	if f.IdentityRef != "" && evt.IdentityRef != f.IdentityRef {
		return false
	}
	if f.Action != "" && evt.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
		return false
	}
	if f.FailureOnly && evt.Success {
		return false
	}
	return true
}

// List returns matching events, newest first. Entries that fail to decode
// are skipped and logged.
func (s *Store) List(f Filter) ([]Event, error) {
	ids, err := s.repo.List(storeNamespace, eventRecordType)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		env, err := s.repo.Get(storeNamespace, eventRecordType, id)
		if err != nil {
			continue
		}
		var evt Event
		if err := s.codec.Decode(env, eventAADPrefix+id, &evt); err != nil {
			s.logger.Warn("skipping unreadable audit event", "event_id", id, "error", err)
			continue
		}
		if f.match(evt) {
			events = append(events, evt)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID > events[j].ID
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if f.Limit > 0 && len(events) > f.Limit {
		events = events[:f.Limit]
	}
	return events, nil
}
