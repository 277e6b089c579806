// Package session binds caller identities to credentials and tracks
// per-session accounting. Reads tolerate the store's non-atomic
// session+index writes by skipping index entries with no session record.
package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
	"github.com/fairyhunter13/llm-gateway/internal/storage"
)

const cacheBound = 1000

// Store persists client sessions and the per-subscription index.
type Store struct {
	store storage.Store
	cache *storage.Cache[domain.ClientSession]
}

func NewStore(store storage.Store) *Store {
	return &Store{
		store: store,
		cache: storage.NewCache[domain.ClientSession](cacheBound),
	}
}

// Create binds clientID to a credential. An existing session for the same
// client is a conflict; allocation must go through reassignment instead.
func (s *Store) Create(ctx context.Context, clientID, subscriptionID, clientIP, userAgent string) (domain.ClientSession, error) {
	tracer := otel.Tracer("session.store")
	ctx, span := tracer.Start(ctx, "session.Create")
	defer span.End()
	var existing domain.ClientSession
	found, err := s.store.Get(ctx, storage.KeySessionPrefix+clientID, &existing)
	if err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.create client=%s: %w", clientID, err)
	}
	if found {
		return domain.ClientSession{}, fmt.Errorf("op=session.create client=%s: already exists: %w", clientID, domain.ErrConflict)
	}

	now := time.Now().UTC()
	sess := domain.ClientSession{
		ID:             clientID,
		SubscriptionID: subscriptionID,
		AllocatedAt:    now,
		LastActivity:   now,
		Status:         domain.SessionActive,
		ClientIP:       clientIP,
		UserAgent:      userAgent,
	}
	// Two writes, not atomic. A session missing from the index is found
	// by direct get; an index entry missing its session is skipped on read.
	if err := s.store.Set(ctx, storage.KeySessionPrefix+clientID, sess); err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.create client=%s: %w", clientID, err)
	}
	if err := s.store.AddToIndex(ctx, storage.IndexSessionsBySub+subscriptionID, clientID); err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.create client=%s: %w", clientID, err)
	}
	s.cache.Put(clientID, sess)
	return sess, nil
}

// Get returns one session, cache first.
func (s *Store) Get(ctx context.Context, clientID string) (domain.ClientSession, error) {
	if sess, ok := s.cache.Get(clientID); ok {
		return sess, nil
	}
	var sess domain.ClientSession
	found, err := s.store.Get(ctx, storage.KeySessionPrefix+clientID, &sess)
	if err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.get client=%s: %w", clientID, err)
	}
	if !found {
		return domain.ClientSession{}, fmt.Errorf("op=session.get client=%s: %w", clientID, domain.ErrNotFound)
	}
	s.cache.Put(clientID, sess)
	return sess, nil
}

// Update applies fn and always bumps last_activity.
func (s *Store) Update(ctx context.Context, clientID string, fn func(*domain.ClientSession) error) (domain.ClientSession, error) {
	var sess domain.ClientSession
	found, err := s.store.Get(ctx, storage.KeySessionPrefix+clientID, &sess)
	if err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.update client=%s: %w", clientID, err)
	}
	if !found {
		return domain.ClientSession{}, fmt.Errorf("op=session.update client=%s: %w", clientID, domain.ErrNotFound)
	}
	if err := fn(&sess); err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.update client=%s: %w", clientID, err)
	}
	sess.LastActivity = time.Now().UTC()
	if err := s.store.Set(ctx, storage.KeySessionPrefix+clientID, sess); err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.update client=%s: %w", clientID, err)
	}
	s.cache.Put(clientID, sess)
	return sess, nil
}

// Delete removes the session and its index entry. Unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, clientID string) error {
	var sess domain.ClientSession
	found, err := s.store.Get(ctx, storage.KeySessionPrefix+clientID, &sess)
	if err != nil {
		return fmt.Errorf("op=session.delete client=%s: %w", clientID, err)
	}
	if !found {
		return nil
	}
	if err := s.store.Delete(ctx, storage.KeySessionPrefix+clientID); err != nil {
		return fmt.Errorf("op=session.delete client=%s: %w", clientID, err)
	}
	if err := s.store.RemoveFromIndex(ctx, storage.IndexSessionsBySub+sess.SubscriptionID, clientID); err != nil {
		return fmt.Errorf("op=session.delete client=%s: %w", clientID, err)
	}
	s.cache.Delete(clientID)
	return nil
}

// GetBySubscription loads every session the index names, skipping ids
// whose record is missing.
func (s *Store) GetBySubscription(ctx context.Context, subscriptionID string) ([]domain.ClientSession, error) {
	ids, err := s.store.GetIndex(ctx, storage.IndexSessionsBySub+subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("op=session.get_by_subscription sub=%s: %w", subscriptionID, err)
	}
	out := make([]domain.ClientSession, 0, len(ids))
	for _, id := range ids {
		var sess domain.ClientSession
		found, err := s.store.Get(ctx, storage.KeySessionPrefix+id, &sess)
		if err != nil {
			return nil, fmt.Errorf("op=session.get_by_subscription sub=%s: %w", subscriptionID, err)
		}
		if !found {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// List returns every stored session.
func (s *Store) List(ctx context.Context) ([]domain.ClientSession, error) {
	keys, err := s.store.List(ctx, storage.KeySessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("op=session.list: %w", err)
	}
	out := make([]domain.ClientSession, 0, len(keys))
	for _, key := range keys {
		var sess domain.ClientSession
		found, err := s.store.Get(ctx, key, &sess)
		if err != nil {
			return nil, fmt.Errorf("op=session.list: %w", err)
		}
		if !found {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// MarkIdle flips active sessions whose last activity predates idleAfter
// to idle, returning how many changed.
func (s *Store) MarkIdle(ctx context.Context, idleAfter time.Duration) (int, error) {
	return s.transition(ctx, domain.SessionActive, domain.SessionIdle, idleAfter)
}

// MarkStale flips idle sessions whose last activity predates idleFor to
// stale, returning how many changed.
func (s *Store) MarkStale(ctx context.Context, idleFor time.Duration) (int, error) {
	return s.transition(ctx, domain.SessionIdle, domain.SessionStale, idleFor)
}

func (s *Store) transition(ctx context.Context, from, to domain.SessionStatus, after time.Duration) (int, error) {
	keys, err := s.store.List(ctx, storage.KeySessionPrefix)
	if err != nil {
		return 0, fmt.Errorf("op=session.mark_%s: %w", to, err)
	}
	cutoff := time.Now().UTC().Add(-after)
	count := 0
	for _, key := range keys {
		var sess domain.ClientSession
		found, err := s.store.Get(ctx, key, &sess)
		if err != nil || !found {
			continue
		}
		if sess.Status != from || !sess.LastActivity.Before(cutoff) {
			continue
		}
		sess.Status = to
		if err := s.store.Set(ctx, key, sess); err != nil {
			observability.LoggerFromContext(ctx).Warn("session sweep write failed",
				"client_id", sess.ID, "status", to, "error", err)
			continue
		}
		s.cache.Put(sess.ID, sess)
		count++
	}
	return count, nil
}

// Reassign moves the session to a new credential: index move, counter
// reset, fresh allocation timestamp.
func (s *Store) Reassign(ctx context.Context, clientID, newSubscriptionID string) (domain.ClientSession, error) {
	tracer := otel.Tracer("session.store")
	ctx, span := tracer.Start(ctx, "session.Reassign")
	defer span.End()
	var sess domain.ClientSession
	found, err := s.store.Get(ctx, storage.KeySessionPrefix+clientID, &sess)
	if err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.reassign client=%s: %w", clientID, err)
	}
	if !found {
		return domain.ClientSession{}, fmt.Errorf("op=session.reassign client=%s: %w", clientID, domain.ErrNotFound)
	}

	oldSub := sess.SubscriptionID
	now := time.Now().UTC()
	sess.SubscriptionID = newSubscriptionID
	sess.AllocatedAt = now
	sess.LastActivity = now
	sess.SessionCost = 0
	sess.SessionTokens = 0
	sess.RequestCount = 0

	if err := s.store.Set(ctx, storage.KeySessionPrefix+clientID, sess); err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.reassign client=%s: %w", clientID, err)
	}
	if err := s.store.RemoveFromIndex(ctx, storage.IndexSessionsBySub+oldSub, clientID); err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.reassign client=%s: %w", clientID, err)
	}
	if err := s.store.AddToIndex(ctx, storage.IndexSessionsBySub+newSubscriptionID, clientID); err != nil {
		return domain.ClientSession{}, fmt.Errorf("op=session.reassign client=%s: %w", clientID, err)
	}
	s.cache.Put(clientID, sess)
	return sess, nil
}
