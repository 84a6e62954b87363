package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"inkwell/api/internal/access"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/crdt"
	"inkwell/api/internal/files"
	"inkwell/api/internal/realtime"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// Session is a verified signed-in caller.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	Picture   string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	UpdateUserName(ctx context.Context, userID, name string) error
	DeleteUser(ctx context.Context, userID string) error

	CreateDocument(ctx context.Context, doc store.Document, content []byte) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, userID, filter string) ([]store.Document, error)
	RenameDocument(ctx context.Context, documentID, name string) error
	DeleteDocument(ctx context.Context, documentID string) error
	CountDocuments(ctx context.Context, userID string) (int, error)
	DeleteAllDocuments(ctx context.Context, userID string) error

	ShareDocument(ctx context.Context, documentID, userID string) error
	UnshareDocument(ctx context.Context, documentID, userID string) error
	ListSharedUsers(ctx context.Context, documentID string) ([]store.User, error)
	LoadAccessFacts(ctx context.Context, documentID string) (store.AccessFacts, error)

	AppendFileKey(ctx context.Context, documentID, key string) error
	RemoveFileKey(ctx context.Context, documentID, key string) error
	TouchLastModified(ctx context.Context, documentID string) error
}

// Service wires storage, sessions, access control, realtime rooms, search,
// and attachments behind the HTTP surface.
type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  session.Store
	passwords *authpw.Service
	gate      *access.Gate
	registry  *realtime.Registry
	files     *files.Service  // nil when object storage is not configured
	search    *search.Service // nil when search is not configured
}

func NewService(cfg config.Config, dataStore dataStore, sessions session.Store, passwords *authpw.Service, gate *access.Gate, registry *realtime.Registry, fileSvc *files.Service, searchSvc *search.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: passwords,
		gate:      gate,
		registry:  registry,
		files:     fileSvc,
		search:    searchSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ActiveRooms() int {
	return s.registry.ActiveRooms()
}

// --- auth / sessions ---

func (s *Service) SignUp(ctx context.Context, email, password, name, picture string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:    email,
		Password: password,
		Name:     name,
		Picture:  picture,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailExists) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.createSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.createSession(ctx, user)
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.sessions.RevokeSession(ctx, auth.HashToken(token))
}

func (s *Service) createSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("sess")
	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Name,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue session token: %w", err)
	}
	if err := s.sessions.SaveSession(ctx, auth.HashToken(token), user, expiresAt); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		Picture:   user.Picture,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken verifies the signature, then checks the server-side record
// so revoked sessions die before their expiry.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.sessions.LookupSession(ctx, auth.HashToken(token))
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		Picture:   user.Picture,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// --- documents ---

func documentPayload(doc store.Document) map[string]any {
	keys := doc.UploadedFileKeys
	if keys == nil {
		keys = []string{}
	}
	return map[string]any{
		"id":               doc.ID,
		"name":             doc.Name,
		"ownerId":          doc.OwnerID,
		"ownerEmail":       doc.OwnerEmail,
		"shared":           doc.Shared,
		"uploadedFileKeys": keys,
		"lastModified":     doc.LastModified.UTC().Format(time.RFC3339),
		"createdAt":        doc.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Service) ListDocuments(ctx context.Context, session Session, filter string) ([]map[string]any, error) {
	switch filter {
	case "", "anyone", "me", "not-me":
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "filter must be one of me, not-me, anyone", nil)
	}
	if filter == "" {
		filter = "anyone"
	}
	docs, err := s.store.ListDocuments(ctx, session.UserID, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, documentPayload(doc))
	}
	return items, nil
}

func (s *Service) CreateDocument(ctx context.Context, session Session, name string) (map[string]any, error) {
	if name == "" {
		name = "Untitled"
	}
	doc := store.Document{
		ID:      util.NewID("doc"),
		OwnerID: session.UserID,
		Name:    name,
	}

	// New documents start from an empty replica snapshot so the first room
	// seed has a well-formed state to load.
	seed := crdt.NewDoc("seed-" + doc.ID)
	content, err := seed.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("initial snapshot: %w", err)
	}
	if err := s.store.CreateDocument(ctx, doc, content); err != nil {
		return nil, err
	}
	s.indexDocument(ctx, doc.ID)

	created, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	return documentPayload(created), nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	if err := s.requireAccess(ctx, session, documentID); err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) RenameDocument(ctx context.Context, session Session, documentID, name string) (map[string]any, error) {
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := s.requireAccess(ctx, session, documentID); err != nil {
		return nil, err
	}
	if err := s.store.RenameDocument(ctx, documentID, name); err != nil {
		return nil, err
	}
	s.indexDocument(ctx, documentID)
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	if err := s.requireOwner(ctx, session, documentID); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	if s.files != nil {
		if err := s.files.DeleteAll(ctx, documentID); err != nil {
			// The row is gone; orphaned objects are a cleanup concern, not a
			// failed request.
			return nil
		}
	}
	return nil
}

func (s *Service) CountDocuments(ctx context.Context, session Session) (int, error) {
	return s.store.CountDocuments(ctx, session.UserID)
}

// --- sharing ---

func (s *Service) ShareDocument(ctx context.Context, session Session, documentID, email string) (map[string]any, error) {
	if err := s.requireOwner(ctx, session, documentID); err != nil {
		return nil, err
	}
	target, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No account with that email", nil)
		}
		return nil, err
	}
	if target.ID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Cannot share a document with yourself", nil)
	}
	if err := s.store.ShareDocument(ctx, documentID, target.ID); err != nil {
		return nil, err
	}
	s.indexDocument(ctx, documentID)
	return map[string]any{"ok": true, "userId": target.ID}, nil
}

func (s *Service) UnshareDocument(ctx context.Context, session Session, documentID, email string) error {
	if err := s.requireOwner(ctx, session, documentID); err != nil {
		return err
	}
	target, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "USER_NOT_FOUND", "No account with that email", nil)
		}
		return err
	}
	if err := s.store.UnshareDocument(ctx, documentID, target.ID); err != nil {
		return err
	}
	s.indexDocument(ctx, documentID)
	return nil
}

func (s *Service) SharedUsers(ctx context.Context, session Session, documentID string) ([]map[string]any, error) {
	if err := s.requireAccess(ctx, session, documentID); err != nil {
		return nil, err
	}
	users, err := s.store.ListSharedUsers(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, map[string]any{
			"id":      user.ID,
			"email":   user.Email,
			"name":    user.Name,
			"picture": user.Picture,
		})
	}
	return items, nil
}

// --- room admission ---

// RoomAuth re-verifies access and mints a single-use room token plus the
// presence identity the client should announce with.
func (s *Service) RoomAuth(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	grant, err := s.gate.Authorize(ctx, session.UserID, documentID)
	if err != nil {
		if errors.Is(err, access.ErrAccessDenied) {
			return nil, errNotFound()
		}
		return nil, err
	}
	return map[string]any{
		"token":     grant.Token,
		"privilege": grant.Privilege,
		"user": map[string]any{
			"name":    session.UserName,
			"picture": session.Picture,
			"color":   util.RandomColor(),
		},
	}, nil
}

// --- attachments ---

func (s *Service) UploadAttachment(ctx context.Context, session Session, documentID, filename, contentType string, body io.Reader, size int64) (map[string]any, error) {
	if s.files == nil {
		return nil, domainError(http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "File storage not configured", nil)
	}
	if err := s.requireAccess(ctx, session, documentID); err != nil {
		return nil, err
	}
	key, err := s.files.Upload(ctx, documentID, filename, contentType, body, size)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendFileKey(ctx, documentID, key); err != nil {
		return nil, err
	}
	_ = s.store.TouchLastModified(ctx, documentID)

	url, err := s.files.PresignedURL(ctx, key, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "url": url}, nil
}

func (s *Service) AttachmentURL(ctx context.Context, session Session, documentID, key string) (map[string]any, error) {
	if s.files == nil {
		return nil, domainError(http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "File storage not configured", nil)
	}
	if err := s.requireAccess(ctx, session, documentID); err != nil {
		return nil, err
	}
	if !s.documentHasKey(ctx, documentID, key) {
		return nil, errNotFound()
	}
	url, err := s.files.PresignedURL(ctx, key, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "url": url}, nil
}

func (s *Service) DeleteAttachment(ctx context.Context, session Session, documentID, key string) error {
	if s.files == nil {
		return domainError(http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "File storage not configured", nil)
	}
	if err := s.requireAccess(ctx, session, documentID); err != nil {
		return err
	}
	if !s.documentHasKey(ctx, documentID, key) {
		return errNotFound()
	}
	if err := s.files.Delete(ctx, key); err != nil {
		return err
	}
	if err := s.store.RemoveFileKey(ctx, documentID, key); err != nil {
		return err
	}
	return s.store.TouchLastModified(ctx, documentID)
}

func (s *Service) documentHasKey(ctx context.Context, documentID, key string) bool {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return false
	}
	for _, existing := range doc.UploadedFileKeys {
		if existing == key {
			return true
		}
	}
	return false
}

// --- search ---

func (s *Service) Search(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:   text,
		UserID: session.UserID,
		Limit:  limit,
		Offset: offset,
	}), nil
}

// indexDocument pushes the document's current record to the search index,
// fire-and-forget. Indexing failure never fails the originating request.
func (s *Service) indexDocument(ctx context.Context, documentID string) {
	if s.search == nil {
		return
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return
	}
	shared, err := s.store.ListSharedUsers(ctx, documentID)
	if err != nil {
		return
	}
	sharedWith := make([]string, 0, len(shared))
	for _, user := range shared {
		sharedWith = append(sharedWith, user.ID)
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:         doc.ID,
		Name:       doc.Name,
		OwnerID:    doc.OwnerID,
		OwnerEmail: doc.OwnerEmail,
		SharedWith: sharedWith,
	})
}

// --- settings ---

func (s *Service) UpdateUserName(ctx context.Context, session Session, name string) error {
	if name == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	return s.store.UpdateUserName(ctx, session.UserID, name)
}

func (s *Service) DeleteAllDocuments(ctx context.Context, session Session) error {
	docs, err := s.store.ListDocuments(ctx, session.UserID, "me")
	if err != nil {
		return err
	}
	if err := s.store.DeleteAllDocuments(ctx, session.UserID); err != nil {
		return err
	}
	for _, doc := range docs {
		if s.search != nil {
			s.search.DeleteDocument(doc.ID)
		}
		if s.files != nil {
			_ = s.files.DeleteAll(ctx, doc.ID)
		}
	}
	return nil
}

func (s *Service) DeleteAccount(ctx context.Context, session Session) error {
	if err := s.DeleteAllDocuments(ctx, session); err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, session.UserID); err != nil {
		return err
	}
	return s.sessions.RevokeSession(ctx, auth.HashToken(session.Token))
}

// --- access checks ---

func errNotFound() error {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// requireAccess admits owners and share-grant holders. Denials and missing
// documents produce the same not-found error so existence cannot be probed.
func (s *Service) requireAccess(ctx context.Context, session Session, documentID string) error {
	facts, err := s.store.LoadAccessFacts(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound()
		}
		return err
	}
	if facts.OwnerID == session.UserID {
		return nil
	}
	for _, userID := range facts.ShareList {
		if userID == session.UserID {
			return nil
		}
	}
	return errNotFound()
}

func (s *Service) requireOwner(ctx context.Context, session Session, documentID string) error {
	facts, err := s.store.LoadAccessFacts(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound()
		}
		return err
	}
	if facts.OwnerID != session.UserID {
		return errNotFound()
	}
	return nil
}
