package app

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"inkwell/api/internal/access"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/realtime"
	"inkwell/api/internal/store"
)

// fakeStore is the in-memory stand-in for the relational store. It also
// serves as the room snapshot storage and the access-facts reader.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]store.User
	documents map[string]store.Document
	contents  map[string][]byte
	grants    map[string]map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]store.User),
		documents: make(map[string]store.Document),
		contents:  make(map[string][]byte),
		grants:    make(map[string]map[string]bool),
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) UpdateUserName(_ context.Context, userID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.Name = name
	f.users[userID] = user
	return nil
}

func (f *fakeStore) DeleteUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, userID)
	return nil
}

func (f *fakeStore) CreateDocument(_ context.Context, doc store.Document, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	doc.CreatedAt = now
	doc.LastModified = now
	if owner, ok := f.users[doc.OwnerID]; ok {
		doc.OwnerEmail = owner.Email
	}
	f.documents[doc.ID] = doc
	f.contents[doc.ID] = content
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (f *fakeStore) ListDocuments(_ context.Context, userID, filter string) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs []store.Document
	for _, doc := range f.documents {
		owned := doc.OwnerID == userID
		granted := f.grants[doc.ID][userID]
		switch filter {
		case "me":
			if owned {
				docs = append(docs, doc)
			}
		case "not-me":
			if granted {
				docs = append(docs, doc)
			}
		default:
			if owned || granted {
				docs = append(docs, doc)
			}
		}
	}
	return docs, nil
}

func (f *fakeStore) RenameDocument(_ context.Context, documentID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Name = name
	doc.LastModified = time.Now()
	f.documents[documentID] = doc
	return nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.documents, documentID)
	delete(f.contents, documentID)
	delete(f.grants, documentID)
	return nil
}

func (f *fakeStore) CountDocuments(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, doc := range f.documents {
		if doc.OwnerID == userID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) DeleteAllDocuments(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, doc := range f.documents {
		if doc.OwnerID == userID {
			delete(f.documents, id)
			delete(f.contents, id)
			delete(f.grants, id)
		}
	}
	return nil
}

func (f *fakeStore) ShareDocument(_ context.Context, documentID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	if f.grants[documentID] == nil {
		f.grants[documentID] = make(map[string]bool)
	}
	f.grants[documentID][userID] = true
	doc.Shared = true
	f.documents[documentID] = doc
	return nil
}

func (f *fakeStore) UnshareDocument(_ context.Context, documentID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	delete(f.grants[documentID], userID)
	doc.Shared = len(f.grants[documentID]) > 0
	f.documents[documentID] = doc
	return nil
}

func (f *fakeStore) ListSharedUsers(_ context.Context, documentID string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []store.User
	for userID := range f.grants[documentID] {
		if user, ok := f.users[userID]; ok {
			users = append(users, user)
		}
	}
	return users, nil
}

func (f *fakeStore) LoadAccessFacts(_ context.Context, documentID string) (store.AccessFacts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return store.AccessFacts{}, sql.ErrNoRows
	}
	facts := store.AccessFacts{OwnerID: doc.OwnerID}
	for userID := range f.grants[documentID] {
		facts.ShareList = append(facts.ShareList, userID)
	}
	return facts, nil
}

func (f *fakeStore) AppendFileKey(_ context.Context, documentID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.UploadedFileKeys = append(doc.UploadedFileKeys, key)
	f.documents[documentID] = doc
	return nil
}

func (f *fakeStore) RemoveFileKey(_ context.Context, documentID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	keys := doc.UploadedFileKeys[:0]
	for _, existing := range doc.UploadedFileKeys {
		if existing != key {
			keys = append(keys, existing)
		}
	}
	doc.UploadedFileKeys = keys
	f.documents[documentID] = doc
	return nil
}

func (f *fakeStore) TouchLastModified(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.LastModified = time.Now()
	f.documents[documentID] = doc
	return nil
}

func (f *fakeStore) LoadSnapshot(_ context.Context, documentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.contents[documentID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return content, nil
}

func (f *fakeStore) PersistSnapshot(_ context.Context, documentID string, snapshot []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contents[documentID]; !ok {
		return sql.ErrNoRows
	}
	f.contents[documentID] = append([]byte(nil), snapshot...)
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]store.User)}
}

func (f *fakeSessions) SaveSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeSessions) RevokeSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

type testEnv struct {
	server *httptest.Server
	store  *fakeStore
	svc    *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		TokenSecret:      "test-secret",
		SessionTTL:       time.Hour,
		RoomTokenTTL:     30 * time.Second,
		RoomGracePeriod:  time.Hour,
		SnapshotInterval: time.Hour,
		CORSOrigin:       "*",
	}
	fs := newFakeStore()
	sessions := newFakeSessions()
	passwords := authpw.NewService(fs)
	gate := access.NewGate(fs, cfg.TokenSecret, cfg.RoomTokenTTL)
	registry := realtime.NewRegistry(fs, cfg.RoomGracePeriod, cfg.SnapshotInterval)

	svc := NewService(cfg, fs, sessions, passwords, gate, registry, nil, nil)
	httpServer := NewHTTPServer(svc, realtime.NewHandler(registry, gate), cfg.CORSOrigin)
	ts := httptest.NewServer(httpServer.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		registry.Shutdown(ctx)
	})

	return &testEnv{server: ts, store: fs, svc: svc}
}
