// Package access decides whether a user may join a document room and mints
// the short-lived token that proves it.
package access

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// PrivilegeFull is the only grant level: full read-write room access.
const PrivilegeFull = "full"

var (
	// ErrAccessDenied covers both "no such document" and "not yours", so a
	// denied caller cannot probe for document existence.
	ErrAccessDenied = errors.New("access denied")
	// ErrTokenUsed rejects replay of a single-use room token.
	ErrTokenUsed = errors.New("token already used")
)

// FactsReader is the slice of storage the gate reads. Facts are re-read on
// every mint; authorization decisions are never cached beyond the token TTL.
type FactsReader interface {
	LoadAccessFacts(ctx context.Context, documentID string) (store.AccessFacts, error)
}

// Grant is the join-request response contract.
type Grant struct {
	Granted   bool   `json:"granted"`
	Privilege string `json:"privilege,omitempty"`
	Token     string `json:"token,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Gate struct {
	facts  FactsReader
	secret []byte
	ttl    time.Duration

	mu   sync.Mutex
	used map[string]int64 // jti -> expiry unix, for single-use enforcement
}

func NewGate(facts FactsReader, secret string, ttl time.Duration) *Gate {
	return &Gate{
		facts:  facts,
		secret: []byte(secret),
		ttl:    ttl,
		used:   make(map[string]int64),
	}
}

// Authorize decides a join for (userID, documentID) and mints a token scoped
// to exactly that pair. Owner gets full access; otherwise a ShareGrant must
// exist. Unknown documents are indistinguishable from denied ones.
func (g *Gate) Authorize(ctx context.Context, userID, documentID string) (Grant, error) {
	facts, err := g.facts.LoadAccessFacts(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Grant{Reason: "not found"}, ErrAccessDenied
		}
		return Grant{}, err
	}

	allowed := facts.OwnerID == userID
	if !allowed {
		for _, sharedWith := range facts.ShareList {
			if sharedWith == userID {
				allowed = true
				break
			}
		}
	}
	if !allowed {
		return Grant{Reason: "not found"}, ErrAccessDenied
	}

	token, err := auth.IssueRoomToken(g.secret, auth.RoomClaims{
		Sub:  userID,
		Doc:  documentID,
		Priv: PrivilegeFull,
		JTI:  util.NewID("room"),
		Exp:  time.Now().Add(g.ttl).Unix(),
	})
	if err != nil {
		return Grant{}, err
	}
	return Grant{Granted: true, Privilege: PrivilegeFull, Token: token}, nil
}

// Verify checks a room token against the document the connection is joining.
// Tokens are single-use: a second Verify of the same JTI fails even inside
// the TTL window.
func (g *Gate) Verify(token, documentID string) (auth.RoomClaims, error) {
	claims, err := auth.ParseRoomToken(g.secret, token)
	if err != nil {
		return auth.RoomClaims{}, err
	}
	if claims.Doc != documentID || claims.Priv != PrivilegeFull {
		return auth.RoomClaims{}, auth.ErrInvalidToken
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	if _, seen := g.used[claims.JTI]; seen {
		return auth.RoomClaims{}, ErrTokenUsed
	}
	g.used[claims.JTI] = claims.Exp
	return claims, nil
}

// pruneLocked drops replay entries whose tokens have expired anyway.
func (g *Gate) pruneLocked() {
	now := time.Now().Unix()
	for jti, exp := range g.used {
		if exp < now {
			delete(g.used, jti)
		}
	}
}
