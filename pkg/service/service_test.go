package service

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvault/pkg/acl"
	"docvault/pkg/apperr"
	"docvault/pkg/blob"
	"docvault/pkg/metadata/repository"
	"docvault/pkg/types"
)

type env struct {
	svc  *VersionService
	repo *repository.Repository
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	db, err := repository.OpenDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := repository.New(db)
	require.NoError(t, err)
	blobs, err := blob.NewLocal(filepath.Join(dir, "storage"), db)
	require.NoError(t, err)

	return &env{
		svc:  New(repo, blobs, acl.NewEngine(repo)),
		repo: repo,
	}
}

func (e *env) user(t *testing.T, username string) *types.User {
	t.Helper()
	u := &types.User{Username: username, Email: username + "@example.com"}
	require.NoError(t, e.repo.CreateUser(context.Background(), u))
	return u
}

func upload(urlPath, content string) UploadRequest {
	return UploadRequest{
		URLPath:  urlPath,
		FileName: "doc.txt",
		Content:  strings.NewReader(content),
	}
}

func TestCreateFileFirstVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")

	v, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "first draft"))
	require.NoError(t, err)

	assert.Equal(t, 1, v.VersionNumber)
	assert.Equal(t, alice.ID, v.OwnerID)
	assert.Empty(t, v.CanRead)
	assert.Empty(t, v.CanWrite)
	assert.NotEmpty(t, v.ContentDigest)
	assert.Equal(t, int64(len("first draft")), v.Size)
}

func TestCreateFileValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")

	_, err := e.svc.CreateFile(ctx, alice.ID, upload("report.txt", "x"))
	assert.True(t, apperr.Is(err, apperr.KindValidation), "path without leading slash")

	_, err = e.svc.CreateFile(ctx, alice.ID, upload("", "x"))
	assert.True(t, apperr.Is(err, apperr.KindValidation), "empty path")

	_, err = e.svc.CreateFile(ctx, alice.ID, UploadRequest{URLPath: "/x.txt"})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "missing content")
}

func TestDuplicatePathResolvesToNewVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")

	v1, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "one"))
	require.NoError(t, err)
	v2, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "two"))
	require.NoError(t, err)

	assert.Equal(t, v1.FileID, v2.FileID)
	assert.Equal(t, 2, v2.VersionNumber)
}

func TestNoACLInheritance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	v1, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "one"))
	require.NoError(t, err)
	_, err = e.svc.SetPermissions(ctx, alice.ID, v1.ID, types.PermissionsRequest{
		CanRead:  []string{bob.ID},
		CanWrite: []string{bob.ID},
	})
	require.NoError(t, err)

	v2, err := e.svc.AddVersion(ctx, alice.ID, v1.FileID, upload("", "two"))
	require.NoError(t, err)
	assert.Empty(t, v2.CanRead, "no carry-over from the prior version")
	assert.Empty(t, v2.CanWrite)
}

func TestAddVersionAccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	carol := e.user(t, "carol")

	v1, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "one"))
	require.NoError(t, err)

	// Ungranted user may not upload.
	_, err = e.svc.AddVersion(ctx, carol.ID, v1.FileID, upload("", "nope"))
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	// A write-grantee of the latest version may.
	_, err = e.svc.SetPermissions(ctx, alice.ID, v1.ID, types.PermissionsRequest{
		CanWrite: []string{bob.ID},
	})
	require.NoError(t, err)

	v2, err := e.svc.AddVersion(ctx, bob.ID, v1.FileID, upload("", "two"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.Equal(t, alice.ID, v2.OwnerID, "version owner is the file owner, not the uploader")

	// v2 has an empty ACL, so bob lost upload rights with it.
	_, err = e.svc.AddVersion(ctx, bob.ID, v1.FileID, upload("", "three"))
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
}

func TestReadGating(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	carol := e.user(t, "carol")
	dave := e.user(t, "dave")

	v1, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "secret"))
	require.NoError(t, err)
	_, err = e.svc.SetPermissions(ctx, alice.ID, v1.ID, types.PermissionsRequest{
		CanRead:  []string{bob.ID, carol.ID},
		CanWrite: []string{bob.ID},
	})
	require.NoError(t, err)

	for _, u := range []*types.User{alice, bob, carol} {
		rc, _, err := e.svc.OpenContent(ctx, u.ID, v1.FileID, 0)
		require.NoError(t, err, u.Username)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, "secret", string(data))
	}

	// Ungranted user never sees the bytes.
	_, _, err = e.svc.OpenContent(ctx, dave.ID, v1.FileID, 0)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	_, err = e.svc.GetVersion(ctx, dave.ID, v1.FileID, 1)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
}

func TestListVersionsFiltered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	v1, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "one"))
	require.NoError(t, err)
	_, err = e.svc.AddVersion(ctx, alice.ID, v1.FileID, upload("", "two"))
	require.NoError(t, err)

	// Bob can read only version 1.
	_, err = e.svc.SetPermissions(ctx, alice.ID, v1.ID, types.PermissionsRequest{
		CanRead: []string{bob.ID},
	})
	require.NoError(t, err)

	all, err := e.svc.ListVersions(ctx, alice.ID, v1.FileID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	visible, err := e.svc.ListVersions(ctx, bob.ID, v1.FileID)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, 1, visible[0].VersionNumber)
}

func TestDeleteVisibilityAndRetiredNumbers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	v1, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "one"))
	require.NoError(t, err)
	v2, err := e.svc.AddVersion(ctx, alice.ID, v1.FileID, upload("", "two"))
	require.NoError(t, err)

	require.NoError(t, e.svc.DeleteVersion(ctx, alice.ID, v1.ID))

	for _, u := range []*types.User{alice, bob} {
		versions, err := e.svc.ListVersions(ctx, u.ID, v1.FileID)
		require.NoError(t, err)
		for _, v := range versions {
			assert.NotEqual(t, v1.ID, v.ID)
		}
	}

	_, err = e.svc.GetVersion(ctx, alice.ID, v1.FileID, 1)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	// The retired number is never reassigned.
	v3, err := e.svc.AddVersion(ctx, alice.ID, v1.FileID, upload("", "three"))
	require.NoError(t, err)
	assert.Equal(t, 3, v3.VersionNumber)
	assert.NotEqual(t, v2.VersionNumber, v3.VersionNumber)
}

func TestDeleteVersionAccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	v1, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "one"))
	require.NoError(t, err)

	err = e.svc.DeleteVersion(ctx, bob.ID, v1.ID)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	// A write-grantee may delete.
	_, err = e.svc.SetPermissions(ctx, alice.ID, v1.ID, types.PermissionsRequest{
		CanWrite: []string{bob.ID},
	})
	require.NoError(t, err)
	require.NoError(t, e.svc.DeleteVersion(ctx, bob.ID, v1.ID))
}

func TestSharedContentSurvivesSiblingDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")

	v1, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "same bytes"))
	require.NoError(t, err)
	v2, err := e.svc.AddVersion(ctx, alice.ID, v1.FileID, upload("", "same bytes"))
	require.NoError(t, err)
	require.Equal(t, v1.ContentDigest, v2.ContentDigest)

	require.NoError(t, e.svc.DeleteVersion(ctx, alice.ID, v1.ID))

	rc, _, err := e.svc.OpenContent(ctx, alice.ID, v2.FileID, v2.VersionNumber)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "same bytes", string(data))
}

func TestGetVersionByDigest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	v1, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "findable"))
	require.NoError(t, err)

	got, err := e.svc.GetVersionByDigest(ctx, alice.ID, v1.ContentDigest)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, got.ID)

	_, err = e.svc.GetVersionByDigest(ctx, bob.ID, v1.ContentDigest)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	_, err = e.svc.GetVersionByDigest(ctx, alice.ID, "zzzz")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestConcurrentAddVersionNumbering(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.user(t, "alice")

	v1, err := e.svc.CreateFile(ctx, alice.ID, upload("/report.txt", "v1"))
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	numbers := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.svc.AddVersion(ctx, alice.ID, v1.FileID, upload("", "body "+strconv.Itoa(i)))
			if err != nil {
				t.Error(err)
				return
			}
			numbers <- v.VersionNumber
		}(i)
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int]bool)
	for n := range numbers {
		assert.False(t, seen[n], "duplicate version number %d", n)
		assert.Greater(t, n, 1)
		assert.LessOrEqual(t, n, workers+1)
		seen[n] = true
	}
	assert.Len(t, seen, workers)
}

// TestPermissionScenario walks the worked example end to end: upload, grant,
// rejected foreign mutation, gated read, fresh ACL on the next version, and
// delete with retired numbering.
func TestPermissionScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, "a")
	b := e.user(t, "b")
	c := e.user(t, "c")
	d := e.user(t, "d")

	// 1. A uploads report.txt: version 1, empty ACL.
	v1, err := e.svc.CreateFile(ctx, a.ID, upload("/report.txt", "v1"))
	require.NoError(t, err)
	require.Equal(t, 1, v1.VersionNumber)
	require.Empty(t, v1.CanRead)
	require.Empty(t, v1.CanWrite)

	// 2. A grants read to B and C, write to B.
	v1, err = e.svc.SetPermissions(ctx, a.ID, v1.ID, types.PermissionsRequest{
		CanRead:  []string{b.ID, c.ID},
		CanWrite: []string{b.ID},
	})
	require.NoError(t, err)
	assert.True(t, acl.Authorize(b.ID, v1, types.ActionRead))
	assert.True(t, acl.Authorize(b.ID, v1, types.ActionWrite))
	assert.True(t, acl.Authorize(c.ID, v1, types.ActionRead))
	assert.False(t, acl.Authorize(c.ID, v1, types.ActionWrite))

	// 3. C cannot mutate permissions; the ACL is untouched.
	_, err = e.svc.SetPermissions(ctx, c.ID, v1.ID, types.PermissionsRequest{CanRead: []string{d.ID}})
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	v1Check, err := e.svc.GetVersion(ctx, a.ID, v1.FileID, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID, c.ID}, v1Check.CanRead)

	// 4. D gets no bytes.
	_, _, err = e.svc.OpenContent(ctx, d.ID, v1.FileID, 1)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	// 5. A uploads again: version 2 with a fresh, empty ACL.
	v2, err := e.svc.CreateFile(ctx, a.ID, upload("/report.txt", "v2"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.Empty(t, v2.CanRead)
	assert.Empty(t, v2.CanWrite)

	// 6. A deletes v1; only v2 remains for everyone, and number 1 is
	// retired for good.
	require.NoError(t, e.svc.DeleteVersion(ctx, a.ID, v1.ID))
	for _, u := range []*types.User{a, b} {
		versions, err := e.svc.ListVersions(ctx, u.ID, v1.FileID)
		require.NoError(t, err)
		for _, v := range versions {
			assert.NotEqual(t, 1, v.VersionNumber)
		}
	}
	v3, err := e.svc.CreateFile(ctx, a.ID, upload("/report.txt", "v3"))
	require.NoError(t, err)
	assert.Equal(t, 3, v3.VersionNumber)
}
