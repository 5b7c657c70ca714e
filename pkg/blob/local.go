package blob

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local stores blobs on disk under basePath, sharded by digest prefix
// (ab/cd/<digest>), with reference counts in sqlite so content shared by
// several versions survives until the last referent is deleted.
type Local struct {
	basePath string
	refs     *refCounter
}

// NewLocal creates the storage directory and the ref-count table.
func NewLocal(basePath string, db *sql.DB) (*Local, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	refs, err := newRefCounter(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob table: %w", err)
	}
	return &Local{basePath: basePath, refs: refs}, nil
}

func (l *Local) Put(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	tempFile, err := os.CreateTemp(l.basePath, "upload-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tempFile.Name())

	writer := io.MultiWriter(tempFile, hasher)
	size, err := io.Copy(writer, r)
	if err != nil {
		tempFile.Close()
		return "", 0, err
	}
	tempFile.Close()

	digest := hex.EncodeToString(hasher.Sum(nil))
	targetPath := l.blobPath(digest)

	if _, err := os.Stat(targetPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return "", 0, err
		}
		if err := os.Rename(tempFile.Name(), targetPath); err != nil {
			return "", 0, err
		}
	}

	if _, err := l.refs.addOrIncrement(digest, size); err != nil {
		return "", 0, err
	}
	return digest, size, nil
}

func (l *Local) Get(digest string) (io.ReadCloser, error) {
	if !ValidDigest(digest) {
		return nil, ErrNotFound
	}
	f, err := os.Open(l.blobPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (l *Local) Delete(digest string) error {
	if !ValidDigest(digest) {
		return ErrNotFound
	}
	count, err := l.refs.decrement(digest)
	if err != nil {
		return err
	}
	if count <= 0 {
		if err := os.Remove(l.blobPath(digest)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return l.refs.remove(digest)
	}
	return nil
}

func (l *Local) Exists(digest string) bool {
	if !ValidDigest(digest) {
		return false
	}
	_, err := os.Stat(l.blobPath(digest))
	return err == nil
}

func (l *Local) blobPath(digest string) string {
	return filepath.Join(l.basePath, digest[:2], digest[2:4], digest)
}
