package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/caching"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

const (
	filesCacheTTL = 5 * time.Minute

	DefaultPageSize = 20
	MaxPageSize     = 100
)

// FileQuery narrows an owner listing. Type is either a full MIME type
// ("image/png") or a top-level one ("image"). Page is 1-based and zero
// returns every match.
type FileQuery struct {
	Owner    string
	Type     string
	Page     int
	PageSize int
}

type FileService interface {
	GetFile(ctx context.Context, fileID string) (*models.File, error)
	GetFiles(ctx context.Context, email string) (*models.FilesResponse, error)
	ListFiles(ctx context.Context, q FileQuery) (*models.FilesResponse, error)
	Publish(ctx context.Context, fileID string, displayName string, published bool) (*models.File, error)
	Download(ctx context.Context, fileID string) (*models.DownloadResponse, error)
	Delete(ctx context.Context, fileID string) error
}

type FileServiceImpl struct {
	fileStore      store.FileStore
	objectStore    store.ObjectStore
	cachingSvc     caching.CachingService
	downloadUrlTTL time.Duration

	logger logging.Logger
}

func NewFileServiceImpl(
	fileStore store.FileStore,
	objectStore store.ObjectStore,
	cachingSvc caching.CachingService,
	downloadUrlTTL time.Duration,
	l logging.Logger,
) *FileServiceImpl {
	return &FileServiceImpl{
		fileStore:      fileStore,
		objectStore:    objectStore,
		cachingSvc:     cachingSvc,
		downloadUrlTTL: downloadUrlTTL,
		logger:         l,
	}
}

func (svc *FileServiceImpl) GetFile(ctx context.Context, fileID string) (*models.File, error) {
	key := caching.FileKey(fileID)

	var file models.File
	if svc.fromCache(ctx, key, &file) {
		return &file, nil
	}

	f, err := svc.fileStore.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	svc.toCache(ctx, key, f)
	return f, nil
}

func (svc *FileServiceImpl) GetFiles(ctx context.Context, email string) (*models.FilesResponse, error) {
	key := caching.FilesKey(email)

	var resp models.FilesResponse
	if svc.fromCache(ctx, key, &resp) {
		return &resp, nil
	}

	files, err := svc.fileStore.ListByOwner(ctx, email)
	if err != nil {
		return nil, err
	}

	resp = models.FilesResponse{
		Files: files,
		Total: len(files),
	}
	svc.toCache(ctx, key, resp)
	return &resp, nil
}

// ListFiles filters and pages the cached owner listing.
func (svc *FileServiceImpl) ListFiles(ctx context.Context, q FileQuery) (*models.FilesResponse, error) {
	all, err := svc.GetFiles(ctx, q.Owner)
	if err != nil {
		return nil, err
	}

	matched := make([]models.File, 0, len(all.Files))
	for _, f := range all.Files {
		if matchesType(f.MimeType, q.Type) {
			matched = append(matched, f)
		}
	}

	resp := &models.FilesResponse{Files: matched, Total: len(matched)}
	if q.Page <= 0 {
		return resp, nil
	}

	size := q.PageSize
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}

	start := (q.Page - 1) * size
	if start > len(matched) {
		start = len(matched)
	}
	end := min(start+size, len(matched))

	resp.Files = matched[start:end]
	resp.Page = q.Page
	resp.PageSize = size
	return resp, nil
}

func matchesType(mimeType string, want string) bool {
	if want == "" {
		return true
	}
	mimeType = strings.ToLower(mimeType)
	want = strings.ToLower(want)
	if strings.Contains(want, "/") {
		return mimeType == want
	}
	return strings.HasPrefix(mimeType, want+"/")
}

func (svc *FileServiceImpl) Publish(ctx context.Context, fileID string, displayName string, published bool) (*models.File, error) {
	if err := svc.fileStore.SetPublished(ctx, fileID, displayName, published); err != nil {
		return nil, err
	}

	file, err := svc.fileStore.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	svc.invalidate(ctx, file)

	svc.logger.Info("file publication changed", "file_id", fileID, "published", published)
	return file, nil
}

func (svc *FileServiceImpl) Download(ctx context.Context, fileID string) (*models.DownloadResponse, error) {
	file, err := svc.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	url, err := svc.objectStore.GenerateDownloadUrl(ctx, file.StorageKey, svc.downloadUrlTTL)
	if err != nil {
		svc.logger.Error("failed to generate download url", "file_id", fileID, "error", err)
		return nil, err
	}

	downloads, err := svc.fileStore.IncrementDownloads(ctx, fileID)
	if err != nil {
		svc.logger.Error("failed to count download", "file_id", fileID, "error", err)
		// Don't return error as the link is already issued
		downloads = file.Downloads
	} else {
		svc.invalidate(ctx, file)
	}

	return &models.DownloadResponse{
		FileId:    fileID,
		Url:       url,
		ExpiresAt: time.Now().UTC().Add(svc.downloadUrlTTL),
		Downloads: downloads,
	}, nil
}

// Delete removes the stored object first so a failure never leaves a record
// pointing at nothing.
func (svc *FileServiceImpl) Delete(ctx context.Context, fileID string) error {
	file, err := svc.fileStore.Get(ctx, fileID)
	if err != nil {
		return err
	}

	if err := svc.objectStore.DeleteObject(ctx, file.ObjectId); err != nil {
		svc.logger.Error("failed to delete stored object", "file_id", fileID, "object_id", file.ObjectId, "error", err)
		return err
	}

	if err := svc.fileStore.Delete(ctx, fileID); err != nil {
		return err
	}
	svc.invalidate(ctx, file)

	svc.logger.Info("file deleted", "file_id", fileID)
	return nil
}

func (svc *FileServiceImpl) invalidate(ctx context.Context, file *models.File) {
	if err := svc.cachingSvc.Delete(ctx, caching.FileKey(file.FileId), caching.FilesKey(file.OwnerEmail)); err != nil {
		svc.logger.Error("cached files invalidation failed", "file_id", file.FileId, "error", err)
		// not critical
	}
}

func (svc *FileServiceImpl) fromCache(ctx context.Context, key string, dst any) bool {
	b, ok, err := svc.cachingSvc.Get(ctx, key)
	if err != nil {
		svc.logger.Warn("cache lookup failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		svc.logger.Warn("cached value is corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (svc *FileServiceImpl) toCache(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := svc.cachingSvc.Set(ctx, key, b, filesCacheTTL); err != nil {
		svc.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
