package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/google/uuid"
)

// In-memory backends for local development and tests. Nothing survives a
// restart.

type MemorySessionStoreImpl struct {
	mu       sync.RWMutex
	sessions map[string]models.UploadSession
}

func NewMemorySessionStoreImpl() *MemorySessionStoreImpl {
	return &MemorySessionStoreImpl{sessions: make(map[string]models.UploadSession)}
}

func (s *MemorySessionStoreImpl) IsReady(ctx context.Context) error { return nil }

func (s *MemorySessionStoreImpl) Name() string { return "SessionStore[memory]" }

func (s *MemorySessionStoreImpl) CreateSession(ctx context.Context, uploadSession models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[uploadSession.UploadId]; ok {
		return fmt.Errorf("session %s already exists", uploadSession.UploadId)
	}
	s.sessions[uploadSession.UploadId] = uploadSession
	return nil
}

func (s *MemorySessionStoreImpl) SaveSession(ctx context.Context, uploadSession models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[uploadSession.UploadId] = uploadSession
	return nil
}

func (s *MemorySessionStoreImpl) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[uploadID]
	if !ok {
		return nil, apperror.ErrSessionNotFound
	}
	return &session, nil
}

func (s *MemorySessionStoreImpl) ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []models.UploadSession
	for _, session := range s.sessions {
		if !session.Status.IsTerminal() && session.ExpirationTime.Before(now) {
			expired = append(expired, session)
		}
	}
	return expired, nil
}

func (s *MemorySessionStoreImpl) Delete(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[uploadID]; !ok {
		return apperror.ErrSessionNotFound
	}
	delete(s.sessions, uploadID)
	return nil
}

type MemoryFileStoreImpl struct {
	mu    sync.RWMutex
	files map[string]models.File
}

func NewMemoryFileStoreImpl() *MemoryFileStoreImpl {
	return &MemoryFileStoreImpl{files: make(map[string]models.File)}
}

func (s *MemoryFileStoreImpl) IsReady(ctx context.Context) error { return nil }

func (s *MemoryFileStoreImpl) Name() string { return "FileStore[memory]" }

func (s *MemoryFileStoreImpl) Register(ctx context.Context, file models.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.files[file.FileId]; ok {
		file.Published = existing.Published
		file.Downloads = existing.Downloads
		file.CreatedAt = existing.CreatedAt
	}
	s.files[file.FileId] = file
	return nil
}

func (s *MemoryFileStoreImpl) Get(ctx context.Context, fileID string) (*models.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, ok := s.files[fileID]
	if !ok {
		return nil, apperror.ErrFileNotFound
	}
	return &file, nil
}

func (s *MemoryFileStoreImpl) ListByOwner(ctx context.Context, ownerEmail string) ([]models.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := []models.File{}
	for _, f := range s.files {
		if f.OwnerEmail == ownerEmail {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
	return files, nil
}

func (s *MemoryFileStoreImpl) SetPublished(ctx context.Context, fileID string, displayName string, published bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[fileID]
	if !ok {
		return apperror.ErrFileNotFound
	}
	file.Published = published
	if displayName != "" {
		file.Name = displayName
	}
	file.UpdatedAt = time.Now().UTC()
	s.files[fileID] = file
	return nil
}

func (s *MemoryFileStoreImpl) IncrementDownloads(ctx context.Context, fileID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[fileID]
	if !ok {
		return 0, apperror.ErrFileNotFound
	}
	file.Downloads++
	s.files[fileID] = file
	return file.Downloads, nil
}

func (s *MemoryFileStoreImpl) Delete(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[fileID]; !ok {
		return apperror.ErrFileNotFound
	}
	delete(s.files, fileID)
	return nil
}

type memoryObject struct {
	manifest objectManifest
	chunks   map[int64][]byte
	final    []byte
}

// MemoryObjectStoreImpl stages ranges the same way the bucket backed stores
// do, so CompleteObject rejects gaps and overlaps.
type MemoryObjectStoreImpl struct {
	mu      sync.Mutex
	objects map[string]*memoryObject
}

func NewMemoryObjectStoreImpl() *MemoryObjectStoreImpl {
	return &MemoryObjectStoreImpl{objects: make(map[string]*memoryObject)}
}

func (m *MemoryObjectStoreImpl) IsReady(ctx context.Context) error { return nil }

func (m *MemoryObjectStoreImpl) Name() string { return "ObjectStore[memory]" }

func (m *MemoryObjectStoreImpl) CreateEmptyObject(ctx context.Context, name string, mimeType string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	objectID := uuid.NewString()
	m.objects[objectID] = &memoryObject{
		manifest: objectManifest{Name: name, MimeType: mimeType, CreatedAt: time.Now().UTC()},
		chunks:   make(map[int64][]byte),
	}
	return objectID, nil
}

func (m *MemoryObjectStoreImpl) WriteRange(ctx context.Context, objectID string, data []byte, start, end, totalSize int64) error {
	if err := validateRange(data, start, end, totalSize); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[objectID]
	if !ok {
		return fmt.Errorf("object %s not found", objectID)
	}
	obj.chunks[start] = bytes.Clone(data)
	return nil
}

func (m *MemoryObjectStoreImpl) CompleteObject(ctx context.Context, objectID string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[objectID]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("object %s not found", objectID)
	}

	info := ObjectInfo{
		ObjectId: objectID,
		Key:      finalKey(objectID, obj.manifest.Name),
		MimeType: obj.manifest.MimeType,
	}
	if obj.final != nil {
		info.Size = int64(len(obj.final))
		return info, nil
	}
	if len(obj.chunks) == 0 {
		return ObjectInfo{}, fmt.Errorf("no chunks found for object %s", objectID)
	}

	staged := make([]stagedChunk, 0, len(obj.chunks))
	for off, data := range obj.chunks {
		staged = append(staged, stagedChunk{Key: chunkKey(objectID, off), Offset: off, Size: int64(len(data))})
	}
	sort.Slice(staged, func(i, j int) bool { return staged[i].Offset < staged[j].Offset })

	size, err := checkContiguous(staged)
	if err != nil {
		return ObjectInfo{}, err
	}

	final := make([]byte, 0, size)
	for _, c := range staged {
		final = append(final, obj.chunks[c.Offset]...)
	}
	obj.final = final
	obj.chunks = make(map[int64][]byte)

	info.Size = size
	return info, nil
}

func (m *MemoryObjectStoreImpl) DeleteObject(ctx context.Context, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, objectID)
	return nil
}

func (m *MemoryObjectStoreImpl) GenerateDownloadUrl(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("memory:///%s?expires=%d", key, time.Now().Add(ttl).Unix()), nil
}

// Content returns the committed bytes of an object.
func (m *MemoryObjectStoreImpl) Content(objectID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[objectID]
	if !ok || obj.final == nil {
		return nil, false
	}
	return bytes.Clone(obj.final), true
}

// Exists reports whether the object has not been deleted.
func (m *MemoryObjectStoreImpl) Exists(objectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.objects[objectID]
	return ok
}
