package services

import (
	"context"
	"errors"
	"time"

	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store"
	"github.com/docker/go-units"
)

const defaultChunkWriteTimeout = 30 * time.Second

type ChunkIngestor interface {
	ApplyChunk(ctx context.Context, req models.ChunkRequest) (*models.ChunkResult, error)
}

// ChunkIngestorImpl applies chunks strictly in offset order. It shares the
// session table of the manager so a chunk and a completion or abort of the
// same session never overlap.
type ChunkIngestorImpl struct {
	sessions    *SessionManagerImpl
	objectStore store.ObjectStore
	cfg         IngestConfig

	logger logging.Logger
}

func NewChunkIngestorImpl(sessions *SessionManagerImpl, l logging.Logger) *ChunkIngestorImpl {
	return &ChunkIngestorImpl{
		sessions:    sessions,
		objectStore: sessions.objectStore,
		cfg:         sessions.cfg,
		logger:      l,
	}
}

func (ci *ChunkIngestorImpl) ApplyChunk(ctx context.Context, req models.ChunkRequest) (*models.ChunkResult, error) {
	entry, err := ci.sessions.lockSession(ctx, req.UploadId)
	if err != nil {
		return nil, err
	}
	defer entry.release()

	s := entry.get()
	if err := ci.validate(s, req); err != nil {
		ci.logger.Debug("chunk rejected",
			"upload_id", req.UploadId,
			"index", req.Index,
			"start", req.StartOffset,
			"end", req.EndOffset,
			"cursor", s.Cursor,
			"error", err,
		)
		return nil, err
	}

	timeout := ci.cfg.ChunkWriteTimeout
	if timeout <= 0 {
		timeout = defaultChunkWriteTimeout
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	err = ci.objectStore.WriteRange(writeCtx, s.ObjectId, req.Payload, req.StartOffset, req.EndOffset, req.FileSize)
	timedOut := writeCtx.Err() != nil
	cancel()

	if err != nil {
		if timedOut || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			ci.logger.Warn("chunk write timed out", "upload_id", req.UploadId, "index", req.Index, "error", err)
			return nil, apperror.Wrap(apperror.KindStoreTimeout, err, "chunk %d of upload %s was not written", req.Index, req.UploadId)
		}

		ci.logger.Error("chunk write failed", "upload_id", req.UploadId, "index", req.Index, "error", err)
		ci.sessions.abortLocked(ctx, entry, "chunk write failed: "+err.Error())
		return nil, apperror.Wrap(apperror.KindStoreWriteFailed, err, "chunk %d of upload %s", req.Index, req.UploadId)
	}

	now := time.Now().UTC()
	s.FileSize = req.FileSize
	s.TotalChunks = req.TotalChunks
	s.Cursor = req.EndOffset
	s.ReceivedChunks++
	s.Status = models.UploadStatusInProgress
	s.UpdatedAt = now
	s.ExpirationTime = now.Add(ci.cfg.SessionTTL)
	entry.set(s)
	ci.sessions.snapshot(ctx, s)

	ci.logger.Debug("chunk applied",
		"upload_id", s.UploadId,
		"index", req.Index,
		"size", units.HumanSize(float64(len(req.Payload))),
		"received", s.ReceivedChunks,
		"total", s.TotalChunks,
	)

	if s.ReceivedChunks == s.TotalChunks {
		s, err = ci.sessions.completeLocked(ctx, entry)
		if err != nil {
			return nil, err
		}
	}

	return ci.result(s, int64(len(req.Payload))), nil
}

// validate runs the ordered checks that reject a chunk without touching the
// session or the remote object.
func (ci *ChunkIngestorImpl) validate(s models.UploadSession, req models.ChunkRequest) error {
	if s.Status.IsTerminal() {
		return apperror.New(apperror.KindSessionClosed, "upload %s is %s", s.UploadId, s.Status)
	}

	if s.FileSize > 0 && req.FileSize != s.FileSize {
		return apperror.New(apperror.KindSessionInconsistent, "declared size %d, recorded %d", req.FileSize, s.FileSize)
	}
	if s.TotalChunks > 0 && req.TotalChunks != s.TotalChunks {
		return apperror.New(apperror.KindSessionInconsistent, "declared %d chunks, recorded %d", req.TotalChunks, s.TotalChunks)
	}
	if req.FileSize <= 0 || req.TotalChunks <= 0 {
		return apperror.New(apperror.KindInvalidChunkBounds, "size and chunk count must be positive")
	}
	if ci.cfg.MaxFileSize > 0 && req.FileSize > ci.cfg.MaxFileSize {
		return apperror.New(apperror.KindInvalidChunkBounds, "size %d exceeds limit %d", req.FileSize, ci.cfg.MaxFileSize)
	}
	if int64(req.TotalChunks) > req.FileSize {
		return apperror.New(apperror.KindInvalidChunkBounds, "%d chunks cannot cover %d bytes", req.TotalChunks, req.FileSize)
	}

	if req.StartOffset != s.Cursor || req.Index != s.ReceivedChunks {
		return apperror.New(apperror.KindOutOfOrderChunk,
			"chunk %d at offset %d, expected chunk %d at offset %d", req.Index, req.StartOffset, s.ReceivedChunks, s.Cursor)
	}

	n := int64(len(req.Payload))
	switch {
	case n == 0:
		return apperror.New(apperror.KindInvalidChunkBounds, "empty payload")
	case req.EndOffset-req.StartOffset != n:
		return apperror.New(apperror.KindInvalidChunkBounds,
			"range [%d,%d) does not match payload of %d bytes", req.StartOffset, req.EndOffset, n)
	case ci.cfg.MaxChunkSize > 0 && n > ci.cfg.MaxChunkSize:
		return apperror.New(apperror.KindInvalidChunkBounds, "chunk of %d bytes exceeds limit %d", n, ci.cfg.MaxChunkSize)
	case req.EndOffset > req.FileSize:
		return apperror.New(apperror.KindInvalidChunkBounds, "range end %d exceeds size %d", req.EndOffset, req.FileSize)
	case req.Index >= req.TotalChunks:
		return apperror.New(apperror.KindInvalidChunkBounds, "chunk index %d out of %d", req.Index, req.TotalChunks)
	}

	last := req.Index == req.TotalChunks-1
	if last && req.EndOffset != req.FileSize {
		return apperror.New(apperror.KindInvalidChunkBounds, "last chunk ends at %d, size is %d", req.EndOffset, req.FileSize)
	}
	if !last && req.EndOffset == req.FileSize {
		return apperror.New(apperror.KindInvalidChunkBounds, "chunk %d reaches the end but %d are declared", req.Index, req.TotalChunks)
	}

	return nil
}

func (ci *ChunkIngestorImpl) result(s models.UploadSession, written int64) *models.ChunkResult {
	status := models.ChunkStatusInProgress
	if s.Status == models.UploadStatusCompleted {
		status = models.ChunkStatusCompleted
	}

	return &models.ChunkResult{
		UploadId:       s.UploadId,
		Status:         status,
		BytesWritten:   written,
		Cursor:         s.Cursor,
		ReceivedChunks: s.ReceivedChunks,
		TotalChunks:    s.TotalChunks,
		Progress:       s.Progress(),
		FileId:         s.FileId,
	}
}
