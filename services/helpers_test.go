package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/caching"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/services"
	"github.com/Yulian302/lfusys-services-ingest/store"
	"github.com/stretchr/testify/mock"
)

type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) CreateEmptyObject(ctx context.Context, name string, mimeType string) (string, error) {
	args := m.Called(ctx, name, mimeType)
	return args.String(0), args.Error(1)
}

func (m *mockObjectStore) WriteRange(ctx context.Context, objectID string, data []byte, start, end, totalSize int64) error {
	args := m.Called(ctx, objectID, data, start, end, totalSize)
	return args.Error(0)
}

func (m *mockObjectStore) CompleteObject(ctx context.Context, objectID string) (store.ObjectInfo, error) {
	args := m.Called(ctx, objectID)
	info, _ := args.Get(0).(store.ObjectInfo)
	return info, args.Error(1)
}

func (m *mockObjectStore) DeleteObject(ctx context.Context, objectID string) error {
	args := m.Called(ctx, objectID)
	return args.Error(0)
}

func (m *mockObjectStore) GenerateDownloadUrl(ctx context.Context, key string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, key, ttl)
	return args.String(0), args.Error(1)
}

func (m *mockObjectStore) IsReady(ctx context.Context) error { return nil }

func (m *mockObjectStore) Name() string { return "ObjectStore[mock]" }

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.UploadEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, evt models.UploadEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Events() []models.UploadEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.UploadEvent(nil), p.events...)
}

type failingFileStore struct {
	*store.MemoryFileStoreImpl
	err error
}

func (f failingFileStore) Register(ctx context.Context, file models.File) error {
	return f.err
}

type testEnv struct {
	Manager   *services.SessionManagerImpl
	Ingestor  *services.ChunkIngestorImpl
	Files     store.FileStore
	Sessions  *store.MemorySessionStoreImpl
	Publisher *recordingPublisher
}

var testConfig = services.IngestConfig{
	MaxFileSize:       1 << 20,
	MaxChunkSize:      64 << 10,
	SessionTTL:        time.Hour,
	ChunkWriteTimeout: time.Second,
}

func newTestEnv(t *testing.T, objects store.ObjectStore, opts ...func(*testEnvOptions)) *testEnv {
	t.Helper()

	o := testEnvOptions{
		files:    store.NewMemoryFileStoreImpl(),
		sessions: store.NewMemorySessionStoreImpl(),
		cfg:      testConfig,
	}
	for _, opt := range opts {
		opt(&o)
	}

	pub := &recordingPublisher{}
	l := logging.NewNopLogger()
	m := services.NewSessionManagerImpl(objects, o.files, o.sessions, caching.NewNullCachingService(), pub, o.cfg, l)

	return &testEnv{
		Manager:   m,
		Ingestor:  services.NewChunkIngestorImpl(m, l),
		Files:     o.files,
		Sessions:  o.sessions,
		Publisher: pub,
	}
}

type testEnvOptions struct {
	files    store.FileStore
	sessions *store.MemorySessionStoreImpl
	cfg      services.IngestConfig
}

func withFileStore(fs store.FileStore) func(*testEnvOptions) {
	return func(o *testEnvOptions) { o.files = fs }
}

func withSessionStore(ss *store.MemorySessionStoreImpl) func(*testEnvOptions) {
	return func(o *testEnvOptions) { o.sessions = ss }
}

func withConfig(cfg services.IngestConfig) func(*testEnvOptions) {
	return func(o *testEnvOptions) { o.cfg = cfg }
}

func chunk(uploadID string, index int, start, end, size int64, total int) models.ChunkRequest {
	payload := make([]byte, end-start)
	for i := range payload {
		payload[i] = byte(start + int64(i))
	}

	return models.ChunkRequest{
		UploadId:    uploadID,
		Index:       index,
		TotalChunks: total,
		FileSize:    size,
		StartOffset: start,
		EndOffset:   end,
		Payload:     payload,
	}
}
