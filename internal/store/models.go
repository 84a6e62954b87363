package store

import "time"

type User struct {
	ID           string
	Email        string
	Name         string
	Picture      string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Document struct {
	ID               string
	OwnerID          string
	OwnerEmail       string
	Name             string
	Shared           bool
	UploadedFileKeys []string
	LastModified     time.Time
	CreatedAt        time.Time
}

// ShareGrant records one non-owner user's read-write access to a document.
// Its existence is the sole access-control fact checked for non-owners.
type ShareGrant struct {
	UserID     string
	DocumentID string
	CreatedAt  time.Time
}

// AccessFacts is the minimal slice of persisted state the access gate needs
// to decide a join.
type AccessFacts struct {
	OwnerID   string
	ShareList []string
}
