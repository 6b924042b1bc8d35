package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/caching"
	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/queues"
	"github.com/Yulian302/lfusys-services-ingest/store"
	"github.com/google/uuid"
)

const defaultMimeType = "application/octet-stream"

type IngestConfig struct {
	MaxFileSize       int64
	MaxChunkSize      int64
	SessionTTL        time.Duration
	ChunkWriteTimeout time.Duration
}

type CreateSessionInput struct {
	FileName    string
	MimeType    string
	OwnerEmail  string
	FileSize    int64
	TotalChunks int
}

type SessionManager interface {
	CreateSession(ctx context.Context, in CreateSessionInput) (*models.UploadSession, error)
	GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error)
	CompleteSession(ctx context.Context, uploadID string) (*models.UploadSession, error)
	AbortSession(ctx context.Context, uploadID string, reason string) (*models.UploadSession, error)
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}

// sessionEntry is one live session. lock serializes operations on the
// session and is held across store I/O; mu only guards reads and writes of
// the session value so status lookups never wait for a chunk write.
type sessionEntry struct {
	lock chan struct{}

	mu      sync.Mutex
	session models.UploadSession
}

func newSessionEntry(s models.UploadSession) *sessionEntry {
	return &sessionEntry{lock: make(chan struct{}, 1), session: s}
}

func (e *sessionEntry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *sessionEntry) release() {
	<-e.lock
}

func (e *sessionEntry) get() models.UploadSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *sessionEntry) set(s models.UploadSession) {
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
}

// SessionManagerImpl owns the live session table. The table mutex guards
// the map only; no store call is made while holding it.
type SessionManagerImpl struct {
	objectStore  store.ObjectStore
	fileStore    store.FileStore
	sessionStore store.SessionStore
	cachingSvc   caching.CachingService
	publisher    queues.UploadsPublisher
	cfg          IngestConfig

	mu   sync.Mutex
	live map[string]*sessionEntry

	logger logging.Logger
}

func NewSessionManagerImpl(
	objectStore store.ObjectStore,
	fileStore store.FileStore,
	sessionStore store.SessionStore,
	cachingSvc caching.CachingService,
	publisher queues.UploadsPublisher,
	cfg IngestConfig,
	l logging.Logger,
) *SessionManagerImpl {
	return &SessionManagerImpl{
		objectStore:  objectStore,
		fileStore:    fileStore,
		sessionStore: sessionStore,
		cachingSvc:   cachingSvc,
		publisher:    publisher,
		cfg:          cfg,
		live:         make(map[string]*sessionEntry),
		logger:       l,
	}
}

func (m *SessionManagerImpl) CreateSession(ctx context.Context, in CreateSessionInput) (*models.UploadSession, error) {
	if in.FileName == "" {
		return nil, apperror.New(apperror.KindInvalidRequest, "file name is required")
	}
	if in.FileSize < 0 || in.TotalChunks < 0 {
		return nil, apperror.New(apperror.KindInvalidRequest, "file size and chunk count cannot be negative")
	}
	if m.cfg.MaxFileSize > 0 && in.FileSize > m.cfg.MaxFileSize {
		return nil, apperror.New(apperror.KindInvalidRequest, "file size %d exceeds limit %d", in.FileSize, m.cfg.MaxFileSize)
	}
	if in.FileSize > 0 && int64(in.TotalChunks) > in.FileSize {
		return nil, apperror.New(apperror.KindInvalidRequest, "%d chunks cannot cover %d bytes", in.TotalChunks, in.FileSize)
	}
	if in.MimeType == "" {
		in.MimeType = defaultMimeType
	}

	objectID, err := m.objectStore.CreateEmptyObject(ctx, in.FileName, in.MimeType)
	if err != nil {
		m.logger.Error("failed to create remote object", "file_name", in.FileName, "error", err)
		return nil, apperror.Wrap(apperror.KindStoreUnavailable, err, "could not create object for %q", in.FileName)
	}

	now := time.Now().UTC()
	session := models.UploadSession{
		UploadId:       uuid.NewString(),
		ObjectId:       objectID,
		FileName:       in.FileName,
		MimeType:       in.MimeType,
		OwnerEmail:     in.OwnerEmail,
		FileSize:       in.FileSize,
		TotalChunks:    in.TotalChunks,
		Status:         models.UploadStatusCreated,
		ExpirationTime: now.Add(m.cfg.SessionTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	m.live[session.UploadId] = newSessionEntry(session)
	m.mu.Unlock()

	if err := m.sessionStore.CreateSession(ctx, session); err != nil {
		m.logger.Warn("failed to snapshot new session", "upload_id", session.UploadId, "error", err)
		// Don't return error as the live table is authoritative
	}

	m.logger.Info("upload session created",
		"upload_id", session.UploadId,
		"object_id", objectID,
		"file_name", in.FileName,
		"file_size", in.FileSize,
		"total_chunks", in.TotalChunks,
	)
	return &session, nil
}

func (m *SessionManagerImpl) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	m.mu.Lock()
	entry, ok := m.live[uploadID]
	m.mu.Unlock()
	if ok {
		s := entry.get()
		return &s, nil
	}

	s, err := m.sessionStore.GetSession(ctx, uploadID)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		return nil, apperror.New(apperror.KindSessionNotFound, "upload %s", uploadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}
	return s, nil
}

func (m *SessionManagerImpl) CompleteSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	entry, err := m.lockSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	defer entry.release()

	s, err := m.completeLocked(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *SessionManagerImpl) AbortSession(ctx context.Context, uploadID string, reason string) (*models.UploadSession, error) {
	entry, err := m.lockSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	defer entry.release()

	s, err := m.abortLocked(ctx, entry, reason)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ReapExpired aborts open sessions whose expiration time is before now and
// retries snapshots of closed sessions that are still held in memory.
func (m *SessionManagerImpl) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	var expired, closed []string

	m.mu.Lock()
	for id, entry := range m.live {
		s := entry.get()
		switch {
		case s.Status.IsTerminal():
			closed = append(closed, id)
		case s.ExpirationTime.Before(now):
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range closed {
		m.flushClosed(ctx, id)
	}

	seen := make(map[string]struct{}, len(expired))
	for _, id := range expired {
		seen[id] = struct{}{}
	}

	snapshots, err := m.sessionStore.ListExpired(ctx, now)
	if err != nil {
		m.logger.Error("failed to list expired sessions", "error", err)
		// live sessions can still be reaped
	}
	for _, s := range snapshots {
		if _, ok := seen[s.UploadId]; !ok {
			expired = append(expired, s.UploadId)
		}
	}

	reaped := 0
	for _, id := range expired {
		ok, abortErr := m.expireSession(ctx, id, now)
		if abortErr != nil {
			if errors.Is(abortErr, apperror.ErrSessionClosed) {
				continue
			}
			m.logger.Error("failed to abort expired session", "upload_id", id, "error", abortErr)
			continue
		}
		if ok {
			reaped++
		}
	}

	if reaped > 0 {
		m.logger.Info("expired upload sessions aborted", "count", reaped)
	}
	return reaped, err
}

// expireSession aborts uploadID when, with its lock held, it is still open
// and past its expiration time. A chunk applied while the reaper waited for
// the lock moves the expiration forward and keeps the session.
func (m *SessionManagerImpl) expireSession(ctx context.Context, uploadID string, now time.Time) (bool, error) {
	entry, err := m.lockSession(ctx, uploadID)
	if err != nil {
		return false, err
	}
	defer entry.release()

	s := entry.get()
	if s.Status.IsTerminal() || !s.ExpirationTime.Before(now) {
		return false, nil
	}

	if _, err := m.abortLocked(ctx, entry, "session expired"); err != nil {
		return false, err
	}
	return true, nil
}

// lockSession returns the entry for uploadID with its lock held. Open
// sessions that are only known to the snapshot store are brought back into
// the live table so an upload can resume after a restart. Closed snapshots
// come back as detached entries.
func (m *SessionManagerImpl) lockSession(ctx context.Context, uploadID string) (*sessionEntry, error) {
	entry, err := m.lookup(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if err := entry.acquire(ctx); err != nil {
		return nil, apperror.Wrap(apperror.KindStoreTimeout, err, "timed out waiting for upload %s", uploadID)
	}
	return entry, nil
}

func (m *SessionManagerImpl) lookup(ctx context.Context, uploadID string) (*sessionEntry, error) {
	m.mu.Lock()
	entry, ok := m.live[uploadID]
	m.mu.Unlock()
	if ok {
		return entry, nil
	}

	s, err := m.sessionStore.GetSession(ctx, uploadID)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		return nil, apperror.New(apperror.KindSessionNotFound, "upload %s", uploadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}

	if s.Status.IsTerminal() {
		return newSessionEntry(*s), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.live[uploadID]; ok {
		return entry, nil
	}
	entry = newSessionEntry(*s)
	m.live[uploadID] = entry
	m.logger.Info("upload session restored from snapshot", "upload_id", uploadID, "cursor", s.Cursor)
	return entry, nil
}

// completeLocked must be called with the entry lock held.
func (m *SessionManagerImpl) completeLocked(ctx context.Context, entry *sessionEntry) (models.UploadSession, error) {
	s := entry.get()

	switch s.Status {
	case models.UploadStatusCompleted:
		return s, nil
	case models.UploadStatusFailed:
		return s, apperror.New(apperror.KindSessionClosed, "upload %s has failed", s.UploadId)
	}

	if s.TotalChunks == 0 || s.ReceivedChunks != s.TotalChunks {
		return s, apperror.New(apperror.KindSessionInconsistent,
			"upload %s received %d of %d chunks", s.UploadId, s.ReceivedChunks, s.TotalChunks)
	}

	// the merge must outlive the request that delivered the last chunk
	ctx = context.WithoutCancel(ctx)

	info, err := m.objectStore.CompleteObject(ctx, s.ObjectId)
	if err == nil && info.Size != s.FileSize {
		err = fmt.Errorf("committed %d bytes, expected %d", info.Size, s.FileSize)
	}
	if err != nil {
		m.logger.Error("failed to commit object", "upload_id", s.UploadId, "object_id", s.ObjectId, "error", err)
		m.abortLocked(ctx, entry, "commit failed: "+err.Error())
		return s, apperror.Wrap(apperror.KindStoreWriteFailed, err, "could not commit upload %s", s.UploadId)
	}

	now := time.Now().UTC()
	file := models.File{
		FileId:      uuid.NewString(),
		UploadId:    s.UploadId,
		ObjectId:    s.ObjectId,
		StorageKey:  info.Key,
		OwnerEmail:  s.OwnerEmail,
		Name:        s.FileName,
		MimeType:    s.MimeType,
		Size:        info.Size,
		TotalChunks: s.TotalChunks,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.fileStore.Register(ctx, file); err != nil {
		m.logger.Error("failed to create file record", "upload_id", s.UploadId, "error", err)
		m.abortLocked(ctx, entry, "metadata write failed: "+err.Error())
		return s, apperror.Wrap(apperror.KindMetadataWriteFailed, err, "could not register upload %s", s.UploadId)
	}

	s.FileId = file.FileId
	s.Status = models.UploadStatusCompleted
	s.UpdatedAt = now
	entry.set(s)
	m.closeLocked(ctx, entry, s)

	if err := m.cachingSvc.Delete(ctx, caching.FilesKey(s.OwnerEmail)); err != nil {
		m.logger.Error("cached files invalidation failed", "upload_id", s.UploadId, "error", err)
		// not critical
	}

	m.publish(ctx, models.UploadEvent{
		Type:       models.EventUploadCompleted,
		UploadId:   s.UploadId,
		FileId:     file.FileId,
		OwnerEmail: s.OwnerEmail,
		Size:       file.Size,
		OccurredAt: now,
	})

	m.logger.Info("upload completed successfully", "upload_id", s.UploadId, "file_id", file.FileId, "size", file.Size)
	return s, nil
}

// abortLocked must be called with the entry lock held.
func (m *SessionManagerImpl) abortLocked(ctx context.Context, entry *sessionEntry, reason string) (models.UploadSession, error) {
	s := entry.get()

	switch s.Status {
	case models.UploadStatusFailed:
		return s, nil
	case models.UploadStatusCompleted:
		return s, apperror.New(apperror.KindSessionClosed, "upload %s is already completed", s.UploadId)
	}

	now := time.Now().UTC()
	s.Status = models.UploadStatusFailed
	s.FailureReason = reason
	s.UpdatedAt = now
	entry.set(s)

	ctx = context.WithoutCancel(ctx)
	if err := m.objectStore.DeleteObject(ctx, s.ObjectId); err != nil {
		m.logger.Error("failed to delete remote object", "upload_id", s.UploadId, "object_id", s.ObjectId, "error", err)
		// Don't return error as the abort itself succeeded
	}

	m.closeLocked(ctx, entry, s)

	m.publish(ctx, models.UploadEvent{
		Type:       models.EventUploadFailed,
		UploadId:   s.UploadId,
		OwnerEmail: s.OwnerEmail,
		Size:       s.Cursor,
		Reason:     reason,
		OccurredAt: now,
	})

	m.logger.Warn("upload aborted", "upload_id", s.UploadId, "reason", reason)
	return s, nil
}

// closeLocked snapshots a terminal session and evicts it from the live table.
// When the snapshot fails the entry stays live until ReapExpired retries.
func (m *SessionManagerImpl) closeLocked(ctx context.Context, entry *sessionEntry, s models.UploadSession) {
	if err := m.sessionStore.SaveSession(ctx, s); err != nil {
		m.logger.Error("failed to snapshot closed session", "upload_id", s.UploadId, "error", err)
		return
	}

	m.mu.Lock()
	if m.live[s.UploadId] == entry {
		delete(m.live, s.UploadId)
	}
	m.mu.Unlock()
}

func (m *SessionManagerImpl) flushClosed(ctx context.Context, uploadID string) {
	m.mu.Lock()
	entry, ok := m.live[uploadID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := entry.acquire(ctx); err != nil {
		return
	}
	defer entry.release()

	s := entry.get()
	if s.Status.IsTerminal() {
		m.closeLocked(ctx, entry, s)
	}
}

// snapshot stores the current state of an open session. Failures are logged
// only.
func (m *SessionManagerImpl) snapshot(ctx context.Context, s models.UploadSession) {
	if err := m.sessionStore.SaveSession(ctx, s); err != nil {
		m.logger.Warn("failed to snapshot session", "upload_id", s.UploadId, "cursor", s.Cursor, "error", err)
	}
}

func (m *SessionManagerImpl) publish(ctx context.Context, evt models.UploadEvent) {
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.Error("failed to publish upload event", "upload_id", evt.UploadId, "type", evt.Type, "error", err)
	}
}
