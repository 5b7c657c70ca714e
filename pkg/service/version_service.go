// Package service hosts the version service: the composition root that
// combines the version store, the content store and the access-control
// engine behind the operation set the API layer calls.
package service

import (
	"context"
	"errors"
	"io"
	"log"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"docvault/pkg/acl"
	"docvault/pkg/apperr"
	"docvault/pkg/blob"
	"docvault/pkg/metadata/repository"
	"docvault/pkg/types"
)

// UploadRequest carries the caller-supplied fields of an upload.
type UploadRequest struct {
	URLPath     string
	FileName    string
	ContentType string
	Description string
	Content     io.Reader
}

// VersionService implements the operation surface over files and versions.
// All read and write paths go through the acl.Authorize gate for the
// specific version being touched.
type VersionService struct {
	repo   *repository.Repository
	blobs  blob.Store
	engine *acl.Engine
	locks  *fileLocks
	logger *log.Logger
}

// New wires the service.
func New(repo *repository.Repository, blobs blob.Store, engine *acl.Engine) *VersionService {
	return &VersionService{
		repo:   repo,
		blobs:  blobs,
		engine: engine,
		locks:  newFileLocks(),
		logger: log.New(os.Stdout, "[VersionService] ", log.LstdFlags),
	}
}

// CreateFile creates a file under the requester and stores its first
// version. A duplicate (owner, url_path) resolves to adding a version to the
// existing file rather than a conflict.
func (s *VersionService) CreateFile(ctx context.Context, requesterID string, req UploadRequest) (*types.FileVersion, error) {
	if req.Content == nil {
		return nil, apperr.New(apperr.KindValidation, "no file content provided")
	}
	urlPath := strings.TrimSpace(req.URLPath)
	if urlPath == "" {
		return nil, apperr.New(apperr.KindValidation, "url_path is required")
	}
	if !strings.HasPrefix(urlPath, "/") {
		return nil, apperr.New(apperr.KindValidation, "url_path must start with a forward slash")
	}
	req.URLPath = urlPath
	if req.FileName == "" {
		req.FileName = path.Base(urlPath)
	}

	file, err := s.repo.GetFileByPath(ctx, requesterID, urlPath)
	if err == nil {
		return s.addVersionToFile(ctx, requesterID, file, req)
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}

	file = &types.File{
		URLPath:     urlPath,
		OwnerID:     requesterID,
		ContentType: contentTypeFor(req.ContentType, req.FileName),
	}
	if err := s.repo.CreateFile(ctx, file); err != nil {
		// A racing create of the same path landed first; fall through to
		// the add-version policy against the winner's file.
		if apperr.Is(err, apperr.KindConflict) {
			file, err = s.repo.GetFileByPath(ctx, requesterID, urlPath)
			if err != nil {
				return nil, err
			}
			return s.addVersionToFile(ctx, requesterID, file, req)
		}
		return nil, err
	}

	s.logger.Printf("created file %s (%s) for user %s", file.ID, file.URLPath, requesterID)
	return s.addVersionToFile(ctx, requesterID, file, req)
}

// AddVersion stores a new version of an existing file. The requester must be
// the owner or hold a write grant on the file's latest version.
func (s *VersionService) AddVersion(ctx context.Context, requesterID, fileID string, req UploadRequest) (*types.FileVersion, error) {
	if req.Content == nil {
		return nil, apperr.New(apperr.KindValidation, "no file content provided")
	}
	file, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if req.FileName == "" {
		req.FileName = path.Base(file.URLPath)
	}
	return s.addVersionToFile(ctx, requesterID, file, req)
}

func (s *VersionService) addVersionToFile(ctx context.Context, requesterID string, file *types.File, req UploadRequest) (*types.FileVersion, error) {
	if requesterID != file.OwnerID {
		latest, err := s.repo.GetLatestVersion(ctx, file.ID)
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.New(apperr.KindAuthorization, "no write access to file")
		}
		if err != nil {
			return nil, err
		}
		if !acl.Authorize(requesterID, latest, types.ActionWrite) {
			return nil, apperr.New(apperr.KindAuthorization, "no write access to file")
		}
	}

	// The blob write precedes the metadata commit: an abandoned upload
	// leaves at most an orphaned blob, never a visible version.
	digest, size, err := s.blobs.Put(req.Content)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, err, "content store unavailable")
	}

	unlock := s.locks.lock(file.ID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := &types.FileVersion{
		FileID:        file.ID,
		ContentDigest: digest,
		FileName:      req.FileName,
		Size:          size,
		Description:   req.Description,
		OwnerID:       file.OwnerID,
	}
	err = s.repo.InsertVersion(ctx, v)
	if apperr.Is(err, apperr.KindConflict) {
		// Lost the numbering race to a writer outside this process; the
		// counter has moved on, so one retry resolves it.
		v.ID = ""
		err = s.repo.InsertVersion(ctx, v)
	}
	if err != nil {
		return nil, err
	}

	// A new version starts with an empty ACL regardless of prior versions'
	// grants.
	v.CanRead = []string{}
	v.CanWrite = []string{}

	s.logger.Printf("stored version %d of file %s (digest %s, %d bytes)",
		v.VersionNumber, file.ID, digest[:12], size)
	return v, nil
}

// GetVersion returns version metadata, gated by read access. number <= 0
// means latest.
func (s *VersionService) GetVersion(ctx context.Context, requesterID, fileID string, number int) (*types.FileVersion, error) {
	var (
		v   *types.FileVersion
		err error
	)
	if number <= 0 {
		v, err = s.repo.GetLatestVersion(ctx, fileID)
	} else {
		v, err = s.repo.GetVersion(ctx, fileID, number)
	}
	if err != nil {
		return nil, err
	}
	if !acl.Authorize(requesterID, v, types.ActionRead) {
		return nil, apperr.New(apperr.KindAuthorization, "no read access to this version")
	}
	return v, nil
}

// GetVersionByDigest looks a version up by its content digest, gated by read
// access.
func (s *VersionService) GetVersionByDigest(ctx context.Context, requesterID, digest string) (*types.FileVersion, error) {
	if !blob.ValidDigest(digest) {
		return nil, apperr.New(apperr.KindValidation, "malformed content digest")
	}
	v, err := s.repo.GetVersionByDigest(ctx, digest)
	if err != nil {
		return nil, err
	}
	if !acl.Authorize(requesterID, v, types.ActionRead) {
		return nil, apperr.New(apperr.KindAuthorization, "no read access to this version")
	}
	return v, nil
}

// OpenContent streams the bytes of a version the requester may read. The
// caller closes the reader.
func (s *VersionService) OpenContent(ctx context.Context, requesterID, fileID string, number int) (io.ReadCloser, *types.FileVersion, error) {
	v, err := s.GetVersion(ctx, requesterID, fileID, number)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.blobs.Get(v.ContentDigest)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil, apperr.New(apperr.KindNotFound, "content not found")
		}
		return nil, nil, apperr.Wrap(apperr.KindStorage, err, "content store unavailable")
	}
	return rc, v, nil
}

// ListVersions returns the file's surviving versions, ascending by number,
// filtered to those the requester may read.
func (s *VersionService) ListVersions(ctx context.Context, requesterID, fileID string) ([]*types.FileVersion, error) {
	if _, err := s.repo.GetFile(ctx, fileID); err != nil {
		return nil, err
	}
	versions, err := s.repo.ListVersions(ctx, fileID)
	if err != nil {
		return nil, err
	}
	visible := make([]*types.FileVersion, 0, len(versions))
	for _, v := range versions {
		if acl.Authorize(requesterID, v, types.ActionRead) {
			visible = append(visible, v)
		}
	}
	return visible, nil
}

// ListFiles returns the files owned by the requester.
func (s *VersionService) ListFiles(ctx context.Context, requesterID string) ([]*types.File, error) {
	return s.repo.ListFilesByOwner(ctx, requesterID)
}

// DeleteVersion removes a version. The requester must be the owner or a
// write-grantee of that version. Siblings keep their numbers and the file's
// counter keeps its high-water mark, so the number is retired for good.
func (s *VersionService) DeleteVersion(ctx context.Context, requesterID, versionID string) error {
	v, err := s.repo.GetVersionByID(ctx, versionID)
	if err != nil {
		return err
	}
	if !acl.Authorize(requesterID, v, types.ActionWrite) {
		return apperr.New(apperr.KindAuthorization, "no write access to this version")
	}
	if err := s.repo.DeleteVersion(ctx, v.ID); err != nil {
		return err
	}
	// Metadata removal is the visibility boundary; a failed blob release
	// only leaves an orphan for the content store to reclaim later.
	if err := s.blobs.Delete(v.ContentDigest); err != nil {
		s.logger.Printf("failed to release blob %s: %v", v.ContentDigest, err)
	}
	s.logger.Printf("deleted version %d of file %s", v.VersionNumber, v.FileID)
	return nil
}

// SetPermissions replaces a version's grant sets. Owner-only.
func (s *VersionService) SetPermissions(ctx context.Context, requesterID, versionID string, req types.PermissionsRequest) (*types.FileVersion, error) {
	return s.engine.SetPermissions(ctx, versionID, requesterID, req)
}

// GrantableUsers lists the users a version's owner may grant to.
func (s *VersionService) GrantableUsers(ctx context.Context, versionID string) ([]*types.User, error) {
	return s.engine.GrantableUsers(ctx, versionID)
}

func contentTypeFor(explicit, fileName string) string {
	if explicit != "" {
		return explicit
	}
	if ct := mime.TypeByExtension(filepath.Ext(fileName)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
