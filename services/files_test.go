package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/caching"
	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/services"
	"github.com/Yulian302/lfusys-services-ingest/store"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	if ok {
		c.hits++
	}
	return b, ok, nil
}

func (c *mapCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = val
	return nil
}

func (c *mapCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *mapCache) IsReady(ctx context.Context) error { return nil }
func (c *mapCache) Name() string                      { return "Cache[map]" }

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

func seedFile(t *testing.T, fs store.FileStore, id string) models.File {
	t.Helper()

	f := models.File{
		FileId:     id,
		UploadId:   "up-" + id,
		ObjectId:   "obj-" + id,
		StorageKey: "files/obj-" + id + "/doc.pdf",
		OwnerEmail: "owner@example.com",
		Name:       "doc.pdf",
		MimeType:   "application/pdf",
		Size:       1024,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, fs.Register(context.Background(), f))
	return f
}

func TestFileService_GetFilesUsesCache(t *testing.T) {
	fs := store.NewMemoryFileStoreImpl()
	cache := newMapCache()
	svc := services.NewFileServiceImpl(fs, store.NewMemoryObjectStoreImpl(), cache, time.Minute, logging.NewNopLogger())
	ctx := context.Background()

	seedFile(t, fs, "f1")

	resp, err := svc.GetFiles(ctx, "owner@example.com")
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)
	require.True(t, cache.has(caching.FilesKey("owner@example.com")))

	seedFile(t, fs, "f2")

	resp, err = svc.GetFiles(ctx, "owner@example.com")
	require.NoError(t, err)
	require.Len(t, resp.Files, 1, "served from cache")
	require.Equal(t, 1, cache.hits)
}

func TestFileService_ListFilesFiltersAndPages(t *testing.T) {
	fs := store.NewMemoryFileStoreImpl()
	svc := services.NewFileServiceImpl(fs, store.NewMemoryObjectStoreImpl(), caching.NewNullCachingService(), time.Minute, logging.NewNopLogger())
	ctx := context.Background()

	base := time.Now().UTC()
	for i, mt := range []string{"image/png", "video/mp4", "image/jpeg", "image/PNG", "application/pdf"} {
		require.NoError(t, fs.Register(ctx, models.File{
			FileId:     fmt.Sprintf("f%d", i),
			OwnerEmail: "owner@example.com",
			Name:       "file",
			MimeType:   mt,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	resp, err := svc.ListFiles(ctx, services.FileQuery{Owner: "owner@example.com"})
	require.NoError(t, err)
	require.Equal(t, 5, resp.Total)
	require.Len(t, resp.Files, 5)

	resp, err = svc.ListFiles(ctx, services.FileQuery{Owner: "owner@example.com", Type: "image"})
	require.NoError(t, err)
	require.Equal(t, 3, resp.Total)

	resp, err = svc.ListFiles(ctx, services.FileQuery{Owner: "owner@example.com", Type: "image/png"})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Total)

	resp, err = svc.ListFiles(ctx, services.FileQuery{Owner: "owner@example.com", Type: "image", Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 3, resp.Total)
	require.Equal(t, []string{"f3", "f2"}, fileIDs(resp.Files))

	resp, err = svc.ListFiles(ctx, services.FileQuery{Owner: "owner@example.com", Type: "image", Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"f0"}, fileIDs(resp.Files))

	resp, err = svc.ListFiles(ctx, services.FileQuery{Owner: "owner@example.com", Page: 9})
	require.NoError(t, err)
	require.Empty(t, resp.Files)
	require.Equal(t, 5, resp.Total)
	require.Equal(t, services.DefaultPageSize, resp.PageSize)
}

func fileIDs(files []models.File) []string {
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.FileId)
	}
	return ids
}

func TestFileService_PublishInvalidatesCache(t *testing.T) {
	fs := store.NewMemoryFileStoreImpl()
	cache := newMapCache()
	svc := services.NewFileServiceImpl(fs, store.NewMemoryObjectStoreImpl(), cache, time.Minute, logging.NewNopLogger())
	ctx := context.Background()

	seedFile(t, fs, "f1")
	_, err := svc.GetFile(ctx, "f1")
	require.NoError(t, err)
	_, err = svc.GetFiles(ctx, "owner@example.com")
	require.NoError(t, err)

	f, err := svc.Publish(ctx, "f1", "Quarterly report", true)
	require.NoError(t, err)
	require.True(t, f.Published)
	require.Equal(t, "Quarterly report", f.Name)

	require.False(t, cache.has(caching.FileKey("f1")))
	require.False(t, cache.has(caching.FilesKey("owner@example.com")))

	_, err = svc.Publish(ctx, "missing", "", true)
	require.ErrorIs(t, err, apperror.ErrFileNotFound)
}

func TestFileService_Download(t *testing.T) {
	fs := store.NewMemoryFileStoreImpl()
	objects := &mockObjectStore{}
	objects.On("GenerateDownloadUrl", mock.Anything, "files/obj-f1/doc.pdf", 15*time.Minute).
		Return("https://bucket.example.com/files/obj-f1/doc.pdf?sig=abc", nil).Twice()

	svc := services.NewFileServiceImpl(fs, objects, caching.NewNullCachingService(), 15*time.Minute, logging.NewNopLogger())
	ctx := context.Background()
	seedFile(t, fs, "f1")

	d, err := svc.Download(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, int64(1), d.Downloads)
	require.Contains(t, d.Url, "sig=abc")

	d, err = svc.Download(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, int64(2), d.Downloads)

	objects.AssertExpectations(t)
}

func TestFileService_Delete(t *testing.T) {
	fs := store.NewMemoryFileStoreImpl()
	objects := &mockObjectStore{}
	objects.On("DeleteObject", mock.Anything, "obj-f1").Return(nil).Once()
	objects.On("DeleteObject", mock.Anything, "obj-f2").Return(errors.New("access denied")).Once()

	svc := services.NewFileServiceImpl(fs, objects, caching.NewNullCachingService(), time.Minute, logging.NewNopLogger())
	ctx := context.Background()
	seedFile(t, fs, "f1")
	seedFile(t, fs, "f2")

	require.NoError(t, svc.Delete(ctx, "f1"))
	_, err := fs.Get(ctx, "f1")
	require.ErrorIs(t, err, apperror.ErrFileNotFound)

	require.Error(t, svc.Delete(ctx, "f2"))
	_, err = fs.Get(ctx, "f2")
	require.NoError(t, err, "record kept when the object could not be deleted")

	require.ErrorIs(t, svc.Delete(ctx, "f3"), apperror.ErrFileNotFound)
}
