package handlers

import (
	"net/http"

	"github.com/Yulian302/lfusys-services-ingest/health"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// multipart framing and form fields on top of the chunk payload
const bodyOverhead = 1 << 20

type RouterDeps struct {
	Sessions     services.SessionManager
	Chunks       services.ChunkIngestor
	Files        services.FileService
	Checks       []health.ReadinessCheck
	MaxChunkSize int64
	Logger       logging.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	uh := NewUploadsHandler(d.Sessions, d.Chunks, d.Logger)
	fh := NewFilesHandler(d.Files, d.Logger)
	hh := NewHealthHandler(d.Checks...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", uh.Create)
			r.Get("/{uploadId}", uh.Status)
			r.Delete("/{uploadId}", uh.Abort)
			r.Post("/{uploadId}/complete", uh.Complete)
			r.With(limitBody(d.MaxChunkSize+bodyOverhead)).Post("/{uploadId}/chunks", uh.ApplyChunk)
		})

		r.Route("/files", func(r chi.Router) {
			r.Get("/", fh.List)
			r.Get("/{fileId}", fh.Get)
			r.Delete("/{fileId}", fh.Delete)
			r.Post("/{fileId}/publish", fh.Publish)
			r.Get("/{fileId}/download", fh.Download)
		})
	})

	// form routes kept for the existing web client
	r.Post("/api/createChunk", uh.LegacyCreate)
	r.With(limitBody(d.MaxChunkSize+bodyOverhead)).Post("/api/chunks", uh.LegacyChunk)
	r.Put("/api/archivos/{fileId}", fh.LegacyDownload)

	return otelhttp.NewHandler(r, "lfusys-ingest")
}
