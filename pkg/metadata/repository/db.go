// Package repository is the sqlite persistence layer for users, files,
// versions and grants. Version numbers come from a per-file high-water
// counter (files.last_version) bumped in the same transaction as the insert,
// so numbers are retired on delete, never recycled; the UNIQUE constraint on
// (file_id, version_number) is the backstop for racing writers.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"docvault/pkg/apperr"
	"docvault/pkg/types"
)

// Repository handles all metadata database operations.
type Repository struct {
	db *sql.DB
}

// OpenDB opens the sqlite database with the pool settings and pragmas the
// rest of the system expects. Shared with the local blob store, which keeps
// its ref counts in the same file.
func OpenDB(dbPath string) (*sql.DB, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// New creates the repository and its tables.
func New(db *sql.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return r, nil
}

func (r *Repository) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		url_path TEXT NOT NULL,
		owner_id TEXT NOT NULL REFERENCES users(id),
		content_type TEXT NOT NULL DEFAULT '',
		last_version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(owner_id, url_path)
	);

	CREATE TABLE IF NOT EXISTS file_versions (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		version_number INTEGER NOT NULL,
		content_digest TEXT NOT NULL,
		file_name TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(file_id, version_number)
	);

	CREATE INDEX IF NOT EXISTS idx_versions_content_digest ON file_versions(content_digest);

	CREATE TABLE IF NOT EXISTS version_grants (
		version_id TEXT NOT NULL REFERENCES file_versions(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id),
		access TEXT NOT NULL CHECK(access IN ('read', 'write')),
		PRIMARY KEY(version_id, user_id, access)
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// --- users ---

// CreateUser inserts a user, assigning an id when none is set.
func (r *Repository) CreateUser(ctx context.Context, u *types.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO users (id, username, email) VALUES (?, ?, ?)",
		u.ID, u.Username, u.Email,
	)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "user %q already exists", u.Username)
	}
	return err
}

// EnsureUser upserts a user row by id, so resolved identities always have a
// row grants can reference.
func (r *Repository) EnsureUser(ctx context.Context, u *types.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, email = excluded.email`,
		u.ID, u.Username, u.Email,
	)
	return err
}

// GetUser returns the user with the given id.
func (r *Repository) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	err := r.db.QueryRowContext(ctx,
		"SELECT id, username, email FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.Email)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns every known user, ordered by username.
func (r *Repository) ListUsers(ctx context.Context) ([]*types.User, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, username, email FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// MissingUserIDs returns the subset of ids with no matching user row.
func (r *Repository) MissingUserIDs(ctx context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		var exists bool
		err := r.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id,
		).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// --- files ---

// CreateFile inserts a file shell with last_version 0.
func (r *Repository) CreateFile(ctx context.Context, f *types.File) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO files (id, url_path, owner_id, content_type, last_version, created_at) VALUES (?, ?, ?, ?, 0, ?)",
		f.ID, f.URLPath, f.OwnerID, f.ContentType, f.CreatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "file %q already exists for this owner", f.URLPath)
	}
	return err
}

const fileColumns = "id, url_path, owner_id, content_type, last_version, created_at"

func (r *Repository) scanFile(row *sql.Row) (*types.File, error) {
	var f types.File
	err := row.Scan(&f.ID, &f.URLPath, &f.OwnerID, &f.ContentType, &f.LastVersion, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "file not found")
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFile returns the file with the given id.
func (r *Repository) GetFile(ctx context.Context, id string) (*types.File, error) {
	return r.scanFile(r.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE id = ?", id))
}

// GetFileByPath returns the file at (owner, url_path), if any.
func (r *Repository) GetFileByPath(ctx context.Context, ownerID, urlPath string) (*types.File, error) {
	return r.scanFile(r.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE owner_id = ? AND url_path = ?", ownerID, urlPath))
}

// ListFilesByOwner returns the files owned by a user, newest first.
func (r *Repository) ListFilesByOwner(ctx context.Context, ownerID string) ([]*types.File, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE owner_id = ? ORDER BY created_at DESC", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*types.File
	for rows.Next() {
		var f types.File
		if err := rows.Scan(&f.ID, &f.URLPath, &f.OwnerID, &f.ContentType, &f.LastVersion, &f.CreatedAt); err != nil {
			return nil, err
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// --- versions ---

// InsertVersion assigns the next version number for the file and persists the
// version, all in one transaction. The caller holds the per-file lock; a lost
// race against the UNIQUE constraint still comes back as a conflict so the
// service can retry the numbering step.
func (r *Repository) InsertVersion(ctx context.Context, v *types.FileVersion) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CreatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last int
	err = tx.QueryRowContext(ctx,
		"SELECT last_version FROM files WHERE id = ?", v.FileID,
	).Scan(&last)
	if err == sql.ErrNoRows {
		return apperr.New(apperr.KindNotFound, "file not found")
	}
	if err != nil {
		return err
	}
	v.VersionNumber = last + 1

	_, err = tx.ExecContext(ctx,
		"INSERT INTO file_versions (id, file_id, version_number, content_digest, file_name, size, description, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		v.ID, v.FileID, v.VersionNumber, v.ContentDigest, v.FileName, v.Size, v.Description, v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "version number %d already taken for file %s", v.VersionNumber, v.FileID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE files SET last_version = ? WHERE id = ? AND last_version < ?",
		v.VersionNumber, v.FileID, v.VersionNumber,
	); err != nil {
		return err
	}

	return tx.Commit()
}

const versionColumns = `v.id, v.file_id, v.version_number, v.content_digest,
	v.file_name, v.size, v.description, v.created_at, f.owner_id`

func (r *Repository) scanVersion(ctx context.Context, row *sql.Row) (*types.FileVersion, error) {
	var v types.FileVersion
	err := row.Scan(&v.ID, &v.FileID, &v.VersionNumber, &v.ContentDigest,
		&v.FileName, &v.Size, &v.Description, &v.CreatedAt, &v.OwnerID)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "version not found")
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadGrants(ctx, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVersionByID returns a version (with grants) by its id.
func (r *Repository) GetVersionByID(ctx context.Context, id string) (*types.FileVersion, error) {
	return r.scanVersion(ctx, r.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM file_versions v JOIN files f ON f.id = v.file_id WHERE v.id = ?", id))
}

// GetVersion returns a specific version of a file by number.
func (r *Repository) GetVersion(ctx context.Context, fileID string, number int) (*types.FileVersion, error) {
	return r.scanVersion(ctx, r.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM file_versions v JOIN files f ON f.id = v.file_id WHERE v.file_id = ? AND v.version_number = ?",
		fileID, number))
}

// GetLatestVersion returns the highest-numbered surviving version of a file.
func (r *Repository) GetLatestVersion(ctx context.Context, fileID string) (*types.FileVersion, error) {
	return r.scanVersion(ctx, r.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM file_versions v JOIN files f ON f.id = v.file_id WHERE v.file_id = ? ORDER BY v.version_number DESC LIMIT 1",
		fileID))
}

// GetVersionByDigest returns the most recent version whose content matches
// the digest.
func (r *Repository) GetVersionByDigest(ctx context.Context, digest string) (*types.FileVersion, error) {
	return r.scanVersion(ctx, r.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM file_versions v JOIN files f ON f.id = v.file_id WHERE v.content_digest = ? ORDER BY v.created_at DESC LIMIT 1",
		digest))
}

// ListVersions returns all surviving versions of a file, ascending by number.
func (r *Repository) ListVersions(ctx context.Context, fileID string) ([]*types.FileVersion, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+versionColumns+" FROM file_versions v JOIN files f ON f.id = v.file_id WHERE v.file_id = ? ORDER BY v.version_number ASC",
		fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*types.FileVersion
	for rows.Next() {
		var v types.FileVersion
		if err := rows.Scan(&v.ID, &v.FileID, &v.VersionNumber, &v.ContentDigest,
			&v.FileName, &v.Size, &v.Description, &v.CreatedAt, &v.OwnerID); err != nil {
			return nil, err
		}
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, v := range versions {
		if err := r.loadGrants(ctx, v); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

// DeleteVersion removes a version and its grants. Sibling numbering is left
// untouched and files.last_version keeps its high-water mark.
func (r *Repository) DeleteVersion(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM version_grants WHERE version_id = ?", id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx,
		"DELETE FROM file_versions WHERE id = ?", id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperr.New(apperr.KindNotFound, "version not found")
	}
	return tx.Commit()
}

// CountVersionsByDigest reports how many surviving versions reference the
// digest, which decides whether a delete may release the blob.
func (r *Repository) CountVersionsByDigest(ctx context.Context, digest string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM file_versions WHERE content_digest = ?", digest,
	).Scan(&count)
	return count, err
}

// --- grants ---

// ReplaceGrants swaps the full grant set of a version in one transaction.
// Readers observe either the old or the new set, never a partial one.
func (r *Repository) ReplaceGrants(ctx context.Context, versionID string, canRead, canWrite []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM version_grants WHERE version_id = ?", versionID); err != nil {
		return err
	}
	for _, userID := range canRead {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO version_grants (version_id, user_id, access) VALUES (?, ?, 'read')",
			versionID, userID); err != nil {
			return err
		}
	}
	for _, userID := range canWrite {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO version_grants (version_id, user_id, access) VALUES (?, ?, 'write')",
			versionID, userID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) loadGrants(ctx context.Context, v *types.FileVersion) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT user_id, access FROM version_grants WHERE version_id = ? ORDER BY user_id", v.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	v.CanRead = []string{}
	v.CanWrite = []string{}
	for rows.Next() {
		var userID, access string
		if err := rows.Scan(&userID, &access); err != nil {
			return err
		}
		switch access {
		case "read":
			v.CanRead = append(v.CanRead, userID)
		case "write":
			v.CanWrite = append(v.CanWrite, userID)
		}
	}
	return rows.Err()
}

// isUniqueViolation matches the sqlite unique-constraint error. The modernc
// driver exposes no typed error for it, so this goes by message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
