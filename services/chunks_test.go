package services_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/services"
	"github.com/Yulian302/lfusys-services-ingest/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func createSession(t *testing.T, env *testEnv, size int64, total int) *models.UploadSession {
	t.Helper()

	s, err := env.Manager.CreateSession(context.Background(), services.CreateSessionInput{
		FileName:    "video.mp4",
		MimeType:    "video/mp4",
		OwnerEmail:  "owner@example.com",
		FileSize:    size,
		TotalChunks: total,
	})
	require.NoError(t, err)
	return s
}

func TestApplyChunk_InOrderCompletes(t *testing.T) {
	objects := &mockObjectStore{}
	objects.On("CreateEmptyObject", mock.Anything, "video.mp4", "video/mp4").Return("obj-1", nil).Once()
	for _, r := range [][2]int64{{0, 100}, {100, 200}, {200, 300}} {
		objects.On("WriteRange", mock.Anything, "obj-1", mock.Anything, r[0], r[1], int64(300)).Return(nil).Once()
	}
	objects.On("CompleteObject", mock.Anything, "obj-1").
		Return(store.ObjectInfo{ObjectId: "obj-1", Key: "files/obj-1/video.mp4", MimeType: "video/mp4", Size: 300}, nil).Once()

	env := newTestEnv(t, objects)
	ctx := context.Background()
	s := createSession(t, env, 300, 3)

	res, err := env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 0, 0, 100, 300, 3))
	require.NoError(t, err)
	require.Equal(t, models.ChunkStatusInProgress, res.Status)
	require.Equal(t, int64(100), res.BytesWritten)

	_, err = env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 1, 100, 200, 300, 3))
	require.NoError(t, err)

	res, err = env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 2, 200, 300, 300, 3))
	require.NoError(t, err)
	require.Equal(t, models.ChunkStatusCompleted, res.Status)
	require.Equal(t, int64(300), res.Cursor)
	require.Equal(t, 3, res.ReceivedChunks)
	require.NotEmpty(t, res.FileId)

	objects.AssertNumberOfCalls(t, "WriteRange", 3)
	objects.AssertExpectations(t)

	got, err := env.Manager.GetSession(ctx, s.UploadId)
	require.NoError(t, err)
	require.Equal(t, models.UploadStatusCompleted, got.Status)
	require.Equal(t, int64(300), got.Cursor)

	file, err := env.Files.Get(ctx, res.FileId)
	require.NoError(t, err)
	require.Equal(t, "files/obj-1/video.mp4", file.StorageKey)
	require.Equal(t, int64(300), file.Size)
	require.False(t, file.Published)

	events := env.Publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, models.EventUploadCompleted, events[0].Type)
}

func TestApplyChunk_OutOfOrderIsRejectedWithoutStateChange(t *testing.T) {
	objects := &mockObjectStore{}
	objects.On("CreateEmptyObject", mock.Anything, mock.Anything, mock.Anything).Return("obj-1", nil)
	objects.On("WriteRange", mock.Anything, "obj-1", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	env := newTestEnv(t, objects)
	ctx := context.Background()
	s := createSession(t, env, 300, 3)

	_, err := env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 0, 0, 100, 300, 3))
	require.NoError(t, err)

	_, err = env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 2, 200, 300, 300, 3))
	require.ErrorIs(t, err, apperror.ErrOutOfOrderChunk)
	require.Equal(t, apperror.KindOutOfOrderChunk, apperror.KindOf(err))

	got, err := env.Manager.GetSession(ctx, s.UploadId)
	require.NoError(t, err)
	require.Equal(t, int64(100), got.Cursor)
	require.Equal(t, 1, got.ReceivedChunks)
	require.Equal(t, models.UploadStatusInProgress, got.Status)
	objects.AssertNumberOfCalls(t, "WriteRange", 1)

	_, err = env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 1, 100, 200, 300, 3))
	require.NoError(t, err)
	objects.AssertNumberOfCalls(t, "WriteRange", 2)
}

func TestApplyChunk_ResubmittedChunkIsNotWrittenTwice(t *testing.T) {
	objects := store.NewMemoryObjectStoreImpl()
	env := newTestEnv(t, objects)
	ctx := context.Background()
	s := createSession(t, env, 300, 3)

	_, err := env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 0, 0, 100, 300, 3))
	require.NoError(t, err)

	_, err = env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 0, 0, 100, 300, 3))
	require.ErrorIs(t, err, apperror.ErrOutOfOrderChunk)

	got, err := env.Manager.GetSession(ctx, s.UploadId)
	require.NoError(t, err)
	require.Equal(t, 1, got.ReceivedChunks)
	require.Equal(t, int64(100), got.Cursor)
}

func TestApplyChunk_MismatchedOffsetsNeverMutate(t *testing.T) {
	objects := store.NewMemoryObjectStoreImpl()
	env := newTestEnv(t, objects)
	ctx := context.Background()

	const size, total = 1000, 10
	s := createSession(t, env, size, total)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < total-1; i++ {
		cursor := int64(i * 100)

		for attempt := 0; attempt < 20; attempt++ {
			start := rng.Int63n(size)
			if start == cursor {
				continue
			}
			end := start + 1
			_, err := env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, i, start, end, size, total))
			require.ErrorIs(t, err, apperror.ErrOutOfOrderChunk, "start %d cursor %d", start, cursor)

			got, err := env.Manager.GetSession(ctx, s.UploadId)
			require.NoError(t, err)
			require.Equal(t, cursor, got.Cursor)
			require.Equal(t, i, got.ReceivedChunks)
		}

		_, err := env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, i, cursor, cursor+100, size, total))
		require.NoError(t, err)
	}
}

func TestApplyChunk_ReceivedCountIsMonotonic(t *testing.T) {
	objects := store.NewMemoryObjectStoreImpl()
	env := newTestEnv(t, objects)
	ctx := context.Background()

	const size, total = 500, 5
	s := createSession(t, env, size, total)

	var chunks []models.ChunkRequest
	for i := 0; i < total; i++ {
		chunks = append(chunks, chunk(s.UploadId, i, int64(i*100), int64(i*100+100), size, total))
	}

	rng := rand.New(rand.NewSource(42))
	last := 0
	for attempts := 0; attempts < 500; attempts++ {
		c := chunks[rng.Intn(total)]
		_, _ = env.Ingestor.ApplyChunk(ctx, c)

		got, err := env.Manager.GetSession(ctx, s.UploadId)
		require.NoError(t, err)
		require.GreaterOrEqual(t, got.ReceivedChunks, last)
		require.LessOrEqual(t, got.ReceivedChunks, total)
		last = got.ReceivedChunks

		if got.Status == models.UploadStatusCompleted {
			break
		}
	}
	require.Equal(t, total, last)

	content, ok := objects.Content(s.ObjectId)
	require.True(t, ok)
	require.Len(t, content, size)
	for i, b := range content {
		require.Equal(t, byte(i), b)
	}
}

func TestApplyChunk_WriteFailureAbortsSession(t *testing.T) {
	objects := &mockObjectStore{}
	objects.On("CreateEmptyObject", mock.Anything, mock.Anything, mock.Anything).Return("obj-1", nil)
	objects.On("WriteRange", mock.Anything, "obj-1", mock.Anything, int64(0), int64(100), int64(300)).Return(nil).Once()
	objects.On("WriteRange", mock.Anything, "obj-1", mock.Anything, int64(100), int64(200), int64(300)).
		Return(errors.New("connection reset")).Once()
	objects.On("DeleteObject", mock.Anything, "obj-1").Return(errors.New("delete also failed")).Once()

	env := newTestEnv(t, objects)
	ctx := context.Background()
	s := createSession(t, env, 300, 3)

	_, err := env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 0, 0, 100, 300, 3))
	require.NoError(t, err)

	_, err = env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 1, 100, 200, 300, 3))
	require.ErrorIs(t, err, apperror.ErrStoreWriteFailed)
	require.ErrorContains(t, err, "connection reset")
	require.NotContains(t, err.Error(), "delete also failed")
	objects.AssertCalled(t, "DeleteObject", mock.Anything, "obj-1")

	got, err := env.Manager.GetSession(ctx, s.UploadId)
	require.NoError(t, err)
	require.Equal(t, models.UploadStatusFailed, got.Status)
	require.Equal(t, int64(100), got.Cursor)

	_, err = env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 1, 100, 200, 300, 3))
	require.ErrorIs(t, err, apperror.ErrSessionClosed)

	events := env.Publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, models.EventUploadFailed, events[0].Type)
}

func TestApplyChunk_TimeoutKeepsCursor(t *testing.T) {
	objects := &mockObjectStore{}
	objects.On("CreateEmptyObject", mock.Anything, mock.Anything, mock.Anything).Return("obj-1", nil)
	objects.On("WriteRange", mock.Anything, "obj-1", mock.Anything, int64(0), int64(100), int64(200)).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.DeadlineExceeded).Once()
	objects.On("WriteRange", mock.Anything, "obj-1", mock.Anything, int64(0), int64(100), int64(200)).Return(nil).Once()

	cfg := testConfig
	cfg.ChunkWriteTimeout = 20 * time.Millisecond
	env := newTestEnv(t, objects, withConfig(cfg))
	ctx := context.Background()
	s := createSession(t, env, 200, 2)

	_, err := env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 0, 0, 100, 200, 2))
	require.ErrorIs(t, err, apperror.ErrStoreTimeout)

	got, err := env.Manager.GetSession(ctx, s.UploadId)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Cursor)
	require.Equal(t, models.UploadStatusCreated, got.Status)
	objects.AssertNotCalled(t, "DeleteObject", mock.Anything, mock.Anything)

	res, err := env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 0, 0, 100, 200, 2))
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Cursor)
}

func TestApplyChunk_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  func(id string) models.ChunkRequest
		want error
	}{
		{
			name: "unknown session",
			req:  func(string) models.ChunkRequest { return chunk("nope", 0, 0, 100, 300, 3) },
			want: apperror.ErrSessionNotFound,
		},
		{
			name: "size differs from declared",
			req:  func(id string) models.ChunkRequest { return chunk(id, 0, 0, 100, 400, 3) },
			want: apperror.ErrSessionInconsistent,
		},
		{
			name: "chunk count differs from declared",
			req:  func(id string) models.ChunkRequest { return chunk(id, 0, 0, 100, 300, 4) },
			want: apperror.ErrSessionInconsistent,
		},
		{
			name: "payload shorter than range",
			req: func(id string) models.ChunkRequest {
				c := chunk(id, 0, 0, 100, 300, 3)
				c.Payload = c.Payload[:50]
				return c
			},
			want: apperror.ErrInvalidChunkBounds,
		},
		{
			name: "range past end of file",
			req: func(id string) models.ChunkRequest {
				c := chunk(id, 0, 0, 100, 300, 3)
				c.EndOffset = 400
				c.Payload = make([]byte, 400)
				return c
			},
			want: apperror.ErrInvalidChunkBounds,
		},
		{
			name: "empty payload",
			req: func(id string) models.ChunkRequest {
				c := chunk(id, 0, 0, 0, 300, 3)
				return c
			},
			want: apperror.ErrInvalidChunkBounds,
		},
		{
			name: "chunk reaches end before the last index",
			req:  func(id string) models.ChunkRequest { return chunk(id, 0, 0, 300, 300, 3) },
			want: apperror.ErrInvalidChunkBounds,
		},
		{
			name: "wrong index at cursor",
			req:  func(id string) models.ChunkRequest { return chunk(id, 1, 0, 100, 300, 3) },
			want: apperror.ErrOutOfOrderChunk,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects := store.NewMemoryObjectStoreImpl()
			env := newTestEnv(t, objects)
			s := createSession(t, env, 300, 3)

			_, err := env.Ingestor.ApplyChunk(context.Background(), tt.req(s.UploadId))
			require.ErrorIs(t, err, tt.want)

			got, err := env.Manager.GetSession(context.Background(), s.UploadId)
			require.NoError(t, err)
			assert.Equal(t, int64(0), got.Cursor)
			assert.Equal(t, 0, got.ReceivedChunks)
			assert.Equal(t, models.UploadStatusCreated, got.Status)
		})
	}
}

func TestApplyChunk_AdoptsDeclarationsOnFirstChunk(t *testing.T) {
	objects := store.NewMemoryObjectStoreImpl()
	env := newTestEnv(t, objects)
	ctx := context.Background()
	s := createSession(t, env, 0, 0)

	_, err := env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 0, 0, 10, 20, 2))
	require.NoError(t, err)

	got, err := env.Manager.GetSession(ctx, s.UploadId)
	require.NoError(t, err)
	require.Equal(t, int64(20), got.FileSize)
	require.Equal(t, 2, got.TotalChunks)

	_, err = env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 1, 10, 20, 30, 2))
	require.ErrorIs(t, err, apperror.ErrSessionInconsistent)
}

func TestApplyChunk_ConcurrentChunksAreSerialized(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	objects := &mockObjectStore{}
	objects.On("CreateEmptyObject", mock.Anything, mock.Anything, mock.Anything).Return("obj-1", nil)
	objects.On("WriteRange", mock.Anything, "obj-1", mock.Anything, int64(0), int64(100), int64(300)).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(nil).Once()
	objects.On("WriteRange", mock.Anything, "obj-1", mock.Anything, int64(100), int64(200), int64(300)).Return(nil).Once()

	env := newTestEnv(t, objects)
	ctx := context.Background()
	s := createSession(t, env, 300, 3)

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 0, 0, 100, 300, 3))
	}()
	<-started

	second := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(second)
		_, errs[1] = env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 1, 100, 200, 300, 3))
	}()

	select {
	case <-second:
		t.Fatal("second chunk finished while the first was still writing")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got, err := env.Manager.GetSession(ctx, s.UploadId)
	require.NoError(t, err)
	require.Equal(t, int64(200), got.Cursor)
	require.Equal(t, 2, got.ReceivedChunks)
}

func TestApplyChunk_SessionsProceedIndependently(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	objects := &mockObjectStore{}
	objects.On("CreateEmptyObject", mock.Anything, "slow.bin", mock.Anything).Return("slow", nil)
	objects.On("CreateEmptyObject", mock.Anything, "fast.bin", mock.Anything).Return("fast", nil)
	objects.On("WriteRange", mock.Anything, "slow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)
	objects.On("WriteRange", mock.Anything, "fast", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	env := newTestEnv(t, objects)
	ctx := context.Background()

	slow, err := env.Manager.CreateSession(ctx, services.CreateSessionInput{FileName: "slow.bin", FileSize: 20, TotalChunks: 2})
	require.NoError(t, err)
	fast, err := env.Manager.CreateSession(ctx, services.CreateSessionInput{FileName: "fast.bin", FileSize: 20, TotalChunks: 2})
	require.NoError(t, err)

	go func() {
		_, _ = env.Ingestor.ApplyChunk(ctx, chunk(slow.UploadId, 0, 0, 10, 20, 2))
	}()

	require.Eventually(t, func() bool {
		_, err := env.Ingestor.ApplyChunk(ctx, chunk(fast.UploadId, 0, 0, 10, 20, 2))
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestApplyChunk_LockWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	objects := &mockObjectStore{}
	objects.On("CreateEmptyObject", mock.Anything, mock.Anything, mock.Anything).Return("obj-1", nil)
	objects.On("WriteRange", mock.Anything, "obj-1", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(nil).Once()

	env := newTestEnv(t, objects)
	s := createSession(t, env, 20, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.Ingestor.ApplyChunk(context.Background(), chunk(s.UploadId, 0, 0, 10, 20, 2))
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := env.Ingestor.ApplyChunk(ctx, chunk(s.UploadId, 1, 10, 20, 20, 2))
	require.ErrorIs(t, err, apperror.ErrStoreTimeout)

	close(release)
	<-done
}
