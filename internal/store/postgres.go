package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, picture, password_hash)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.Name, user.Picture, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, picture, password_hash, created_at, updated_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.Name, &user.Picture, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, picture, password_hash, created_at, updated_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.Name, &user.Picture, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserName(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET name=$2, updated_at=NOW() WHERE id=$1`, userID, name)
	if err != nil {
		return fmt.Errorf("update user name: %w", err)
	}
	return nil
}

// DeleteUser removes the account and everything hanging off it: grants the
// user holds, grants on documents the user owns, the documents themselves,
// and any persisted sessions.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete user tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`DELETE FROM share_grants WHERE user_id=$1`,
		`DELETE FROM share_grants WHERE document_id IN (SELECT id FROM documents WHERE owner_id=$1)`,
		`DELETE FROM documents WHERE owner_id=$1`,
		`DELETE FROM sessions WHERE user_id=$1`,
		`DELETE FROM users WHERE id=$1`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
	}
	return tx.Commit()
}

// --- documents ---

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document, content []byte) error {
	keys, err := json.Marshal(doc.UploadedFileKeys)
	if err != nil {
		return fmt.Errorf("marshal file keys: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, name, content, shared, uploaded_file_keys)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, doc.ID, doc.OwnerID, doc.Name, content, keys)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

const documentColumns = `
	d.id, d.owner_id, u.email, d.name, d.shared, d.uploaded_file_keys, d.last_modified, d.created_at
`

func (s *PostgresStore) scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	var keys []byte
	err := row.Scan(&doc.ID, &doc.OwnerID, &doc.OwnerEmail, &doc.Name, &doc.Shared, &keys, &doc.LastModified, &doc.CreatedAt)
	if err != nil {
		return Document{}, err
	}
	if len(keys) > 0 {
		if err := json.Unmarshal(keys, &doc.UploadedFileKeys); err != nil {
			return Document{}, fmt.Errorf("unmarshal file keys: %w", err)
		}
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d JOIN users u ON u.id = d.owner_id
		WHERE d.id=$1
	`, documentID)
	return s.scanDocument(row)
}

// ListDocuments returns documents visible to the user. filter is one of
// "me" (owned), "not-me" (shared with), "anyone" (both).
func (s *PostgresStore) ListDocuments(ctx context.Context, userID, filter string) ([]Document, error) {
	var where string
	switch filter {
	case "me":
		where = `d.owner_id = $1`
	case "not-me":
		where = `EXISTS(SELECT 1 FROM share_grants g WHERE g.document_id = d.id AND g.user_id = $1)`
	case "anyone":
		where = `(d.owner_id = $1 OR EXISTS(SELECT 1 FROM share_grants g WHERE g.document_id = d.id AND g.user_id = $1))`
	default:
		return nil, fmt.Errorf("unknown document filter %q", filter)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d JOIN users u ON u.id = d.owner_id
		WHERE `+where+`
		ORDER BY d.last_modified DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RenameDocument(ctx context.Context, documentID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET name=$2, last_modified=NOW() WHERE id=$1
	`, documentID, name)
	if err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete document tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM share_grants WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("delete document grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) CountDocuments(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE owner_id=$1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DeleteAllDocuments(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear documents tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM share_grants WHERE document_id IN (SELECT id FROM documents WHERE owner_id=$1)
	`, userID); err != nil {
		return fmt.Errorf("clear document grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE owner_id=$1`, userID); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	return tx.Commit()
}

// --- sharing ---

// ShareDocument inserts a grant and flips the shared flag in one transaction,
// keeping shared == (share-list non-empty).
func (s *PostgresStore) ShareDocument(ctx context.Context, documentID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin share tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Re-granting is a no-op; the original grant stands.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO share_grants (user_id, document_id) VALUES ($1, $2)
		ON CONFLICT (user_id, document_id) DO NOTHING
	`, userID, documentID); err != nil {
		return fmt.Errorf("insert share grant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET shared=TRUE WHERE id=$1`, documentID); err != nil {
		return fmt.Errorf("mark document shared: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) UnshareDocument(ctx context.Context, documentID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unshare tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM share_grants WHERE user_id=$1 AND document_id=$2
	`, userID, documentID); err != nil {
		return fmt.Errorf("delete share grant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET shared = EXISTS(SELECT 1 FROM share_grants WHERE document_id=$1)
		WHERE id=$1
	`, documentID); err != nil {
		return fmt.Errorf("recompute shared flag: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) HasShareGrant(ctx context.Context, documentID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM share_grants WHERE user_id=$1 AND document_id=$2)
	`, userID, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check share grant: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListSharedUsers(ctx context.Context, documentID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.name, u.picture
		FROM share_grants g JOIN users u ON u.id = g.user_id
		WHERE g.document_id=$1
		ORDER BY g.created_at
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list shared users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Picture); err != nil {
			return nil, fmt.Errorf("scan shared user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shared users: %w", err)
	}
	return users, nil
}

// LoadAccessFacts fetches the owner and share list in one round trip for the
// access gate. Re-read on every token mint so grant changes take effect on
// the next join.
func (s *PostgresStore) LoadAccessFacts(ctx context.Context, documentID string) (AccessFacts, error) {
	var facts AccessFacts
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM documents WHERE id=$1`, documentID).Scan(&facts.OwnerID)
	if err != nil {
		return AccessFacts{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM share_grants WHERE document_id=$1`, documentID)
	if err != nil {
		return AccessFacts{}, fmt.Errorf("load share list: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return AccessFacts{}, fmt.Errorf("scan share list: %w", err)
		}
		facts.ShareList = append(facts.ShareList, userID)
	}
	if err := rows.Err(); err != nil {
		return AccessFacts{}, fmt.Errorf("iterate share list: %w", err)
	}
	return facts, nil
}

// --- snapshots ---

func (s *PostgresStore) LoadSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE id=$1`, documentID).Scan(&content)
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (s *PostgresStore) PersistSnapshot(ctx context.Context, documentID string, snapshot []byte) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET content=$2, last_modified=NOW() WHERE id=$1
	`, documentID, snapshot)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) TouchLastModified(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET last_modified=NOW() WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("touch last modified: %w", err)
	}
	return nil
}

// --- attachments ---

func (s *PostgresStore) AppendFileKey(ctx context.Context, documentID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET uploaded_file_keys = uploaded_file_keys || to_jsonb($2::text) WHERE id=$1
	`, documentID, key)
	if err != nil {
		return fmt.Errorf("append file key: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveFileKey(ctx context.Context, documentID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET uploaded_file_keys = uploaded_file_keys - $2 WHERE id=$1
	`, documentID, key)
	if err != nil {
		return fmt.Errorf("remove file key: %w", err)
	}
	return nil
}

// --- sessions (Postgres fallback backend) ---

func (s *PostgresStore) SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.name, u.picture
		FROM sessions se JOIN users u ON u.id = se.user_id
		WHERE se.token_hash = $1
			AND se.revoked_at IS NULL
			AND se.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.Name, &user.Picture)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("session not found or expired")
		}
		return User{}, fmt.Errorf("lookup session: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}
