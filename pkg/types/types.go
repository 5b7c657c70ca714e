// Package types holds the domain records shared across the repository, the
// access-control engine, the version service and the API layer.
package types

import "time"

// User is an identity known to the system. Identity issuance is external; the
// core treats ID as an opaque stable key.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// File is a named document owned by a user. It is created implicitly on the
// first version upload for a new (owner, url_path) pair and owns an ordered
// sequence of versions. Owner is immutable after creation.
type File struct {
	ID          string    `json:"id"`
	URLPath     string    `json:"url_path"`
	OwnerID     string    `json:"owner"`
	ContentType string    `json:"content_type"`
	LastVersion int       `json:"last_version"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileVersion is one immutable revision of a file. Content lives in the blob
// store; ContentDigest is the sha256 key into it. CanRead and CanWrite hold
// explicit grantees only; the owner's full access is implicit and never stored
// in either set.
type FileVersion struct {
	ID            string    `json:"id"`
	FileID        string    `json:"file_id"`
	VersionNumber int       `json:"version_number"`
	ContentDigest string    `json:"content_digest"`
	FileName      string    `json:"file_name"`
	Size          int64     `json:"size"`
	Description   string    `json:"description,omitempty"`
	OwnerID       string    `json:"owner"`
	CreatedAt     time.Time `json:"created_at"`
	CanRead       []string  `json:"can_read"`
	CanWrite      []string  `json:"can_write"`
}

// Action is a permission axis evaluated against a version's grant sets.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// PermissionsRequest is the payload for replacing a version's grant sets.
// Replace semantics: an existing grantee omitted here is revoked.
type PermissionsRequest struct {
	CanRead  []string `json:"can_read"`
	CanWrite []string `json:"can_write"`
}

// ErrorResponse is the uniform error body returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}
