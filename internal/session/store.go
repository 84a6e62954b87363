package session

import (
	"context"
	"time"

	"inkwell/api/internal/store"
)

// Store is the session backend contract. Redis is preferred; Postgres serves
// when Redis is not configured.
type Store interface {
	SaveSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeSession(ctx context.Context, tokenHash string) error
}

// PgStore adapts the relational store to the session backend contract.
type PgStore struct {
	db *store.PostgresStore
}

func NewPgStore(db *store.PostgresStore) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) SaveSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return s.db.SaveSession(ctx, tokenHash, user.ID, expiresAt)
}

func (s *PgStore) LookupSession(ctx context.Context, tokenHash string) (store.User, error) {
	return s.db.LookupSession(ctx, tokenHash)
}

func (s *PgStore) RevokeSession(ctx context.Context, tokenHash string) error {
	return s.db.RevokeSession(ctx, tokenHash)
}
