// Package blob is the content store: immutable byte blobs addressed by their
// sha256 digest. Two puts of identical bytes yield the same digest and are
// deduplicated. Reference counting, where a backend supports it, is internal
// to the backend; callers only see put/get/delete-by-digest.
package blob

import (
	"errors"
	"io"
	"regexp"
)

// ErrNotFound is returned by Get when no blob exists for the digest.
var ErrNotFound = errors.New("blob not found")

var digestRegex = regexp.MustCompile("^[a-f0-9]{64}$")

// ValidDigest reports whether s is a well-formed sha256 hex digest.
func ValidDigest(s string) bool {
	return digestRegex.MatchString(s)
}

// Store is the content-store capability the version store builds on.
type Store interface {
	// Put streams bytes into the store and returns their sha256 hex digest
	// and size. Storing identical content again is idempotent.
	Put(r io.Reader) (digest string, size int64, err error)
	// Get opens the blob for reading. Returns ErrNotFound if absent.
	Get(digest string) (io.ReadCloser, error)
	// Delete releases one reference to the blob; the backend decides when
	// the bytes actually go away.
	Delete(digest string) error
	// Exists reports whether the blob is present.
	Exists(digest string) bool
}
