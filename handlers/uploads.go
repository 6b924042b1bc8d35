package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/services"
	"github.com/go-chi/chi/v5"
)

const formMemory = 8 << 20

type createUploadRequest struct {
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type"`
	OwnerEmail  string `json:"owner_email"`
	FileSize    int64  `json:"file_size"`
	TotalChunks int    `json:"total_chunks"`
}

type createUploadResponse struct {
	UploadId string              `json:"upload_id"`
	ObjectId string              `json:"object_id"`
	Status   models.UploadStatus `json:"status"`
}

type UploadsHandler struct {
	sessions services.SessionManager
	chunks   services.ChunkIngestor

	logger logging.Logger
}

func NewUploadsHandler(sessions services.SessionManager, chunks services.ChunkIngestor, l logging.Logger) *UploadsHandler {
	return &UploadsHandler{
		sessions: sessions,
		chunks:   chunks,
		logger:   l,
	}
}

// Create accepts either a JSON body or form fields
// (fileName, mimeType, owner, totalSize, totalChunks).
func (h *UploadsHandler) Create(w http.ResponseWriter, r *http.Request) {
	in, err := parseCreateInput(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	s, err := h.sessions.CreateSession(r.Context(), in)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	WriteData(w, r, http.StatusCreated, createUploadResponse{
		UploadId: s.UploadId,
		ObjectId: s.ObjectId,
		Status:   s.Status,
	})
}

func (h *UploadsHandler) ApplyChunk(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseChunk(r, chi.URLParam(r, "uploadId"), "index")
	if err != nil {
		WriteError(w, r, err)
		return
	}

	res, err := h.chunks.ApplyChunk(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, res)
}

func (h *UploadsHandler) Status(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "uploadId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, models.NewUploadStatusResponse(*s))
}

func (h *UploadsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.CompleteSession(r.Context(), chi.URLParam(r, "uploadId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, models.NewUploadStatusResponse(*s))
}

func (h *UploadsHandler) Abort(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "aborted by client"
	}

	s, err := h.sessions.AbortSession(r.Context(), chi.URLParam(r, "uploadId"), reason)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.logger.Info("upload aborted by client", "upload_id", s.UploadId, "reason", reason)
	WriteData(w, r, http.StatusOK, models.NewUploadStatusResponse(*s))
}

// LegacyCreate answers {"id": uploadId} for form fields fileName and type.
func (h *UploadsHandler) LegacyCreate(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		writeLegacyError(w, r, err)
		return
	}

	s, err := h.sessions.CreateSession(r.Context(), services.CreateSessionInput{
		FileName: r.FormValue("fileName"),
		MimeType: r.FormValue("type"),
	})
	if err != nil {
		writeLegacyError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"id": s.UploadId})
}

// LegacyChunk takes the session in the id field and the chunk index in actual.
func (h *UploadsHandler) LegacyChunk(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		writeLegacyError(w, r, err)
		return
	}

	req, err := h.parseChunk(r, r.FormValue("id"), "actual")
	if err != nil {
		writeLegacyError(w, r, err)
		return
	}

	res, err := h.chunks.ApplyChunk(r.Context(), req)
	if err != nil {
		writeLegacyError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (h *UploadsHandler) parseChunk(r *http.Request, uploadID string, indexField string) (models.ChunkRequest, error) {
	if err := parseForm(r); err != nil {
		return models.ChunkRequest{}, err
	}
	if uploadID == "" {
		return models.ChunkRequest{}, apperror.New(apperror.KindInvalidRequest, "upload id is required")
	}

	var (
		req  = models.ChunkRequest{UploadId: uploadID}
		errs []error
	)
	req.Index, errs = intField(r, indexField, errs)
	req.TotalChunks, errs = intField(r, "totalChunks", errs)
	req.FileSize, errs = int64Field(r, "totalSize", errs)
	req.StartOffset, errs = int64Field(r, "start", errs)
	req.EndOffset, errs = int64Field(r, "end", errs)
	if len(errs) > 0 {
		return models.ChunkRequest{}, apperror.Wrap(apperror.KindInvalidRequest, errors.Join(errs...), "malformed chunk fields")
	}

	payload, err := readChunkPart(r)
	if err != nil {
		return models.ChunkRequest{}, err
	}
	req.Payload = payload
	return req, nil
}

// readChunkPart reads the "chunk" file part, or the first file part of the
// form when the client used another field name. The size limit is enforced by
// the ingestor after the session is resolved.
func readChunkPart(r *http.Request) ([]byte, error) {
	if r.MultipartForm == nil {
		return nil, apperror.New(apperror.KindInvalidRequest, "multipart body with a chunk part is required")
	}

	var header *multipart.FileHeader
	if fhs := r.MultipartForm.File["chunk"]; len(fhs) > 0 {
		header = fhs[0]
	} else {
		for _, fhs := range r.MultipartForm.File {
			if len(fhs) > 0 {
				header = fhs[0]
				break
			}
		}
	}
	if header == nil {
		return nil, apperror.New(apperror.KindInvalidRequest, "chunk part is missing")
	}

	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk part: %w", err)
	}
	defer f.Close()

	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk part: %w", err)
	}
	return payload, nil
}

func parseCreateInput(r *http.Request) (services.CreateSessionInput, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body createUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return services.CreateSessionInput{}, apperror.Wrap(apperror.KindInvalidRequest, err, "malformed JSON body")
		}
		return services.CreateSessionInput{
			FileName:    body.FileName,
			MimeType:    body.MimeType,
			OwnerEmail:  body.OwnerEmail,
			FileSize:    body.FileSize,
			TotalChunks: body.TotalChunks,
		}, nil
	}

	if err := parseForm(r); err != nil {
		return services.CreateSessionInput{}, err
	}

	in := services.CreateSessionInput{
		FileName:   r.FormValue("fileName"),
		MimeType:   r.FormValue("mimeType"),
		OwnerEmail: r.FormValue("owner"),
	}

	var errs []error
	if r.FormValue("totalSize") != "" {
		in.FileSize, errs = int64Field(r, "totalSize", errs)
	}
	if r.FormValue("totalChunks") != "" {
		in.TotalChunks, errs = intField(r, "totalChunks", errs)
	}
	if len(errs) > 0 {
		return services.CreateSessionInput{}, apperror.Wrap(apperror.KindInvalidRequest, errors.Join(errs...), "malformed form fields")
	}
	return in, nil
}

// parseForm handles both multipart and urlencoded bodies. Calling it twice is
// a no-op.
func parseForm(r *http.Request) error {
	if r.MultipartForm != nil || r.PostForm != nil {
		return nil
	}

	err := r.ParseMultipartForm(formMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err == nil {
		return nil
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return err
	}
	return apperror.Wrap(apperror.KindInvalidRequest, err, "malformed form body")
}

func intField(r *http.Request, name string, errs []error) (int, []error) {
	n, err := strconv.Atoi(r.FormValue(name))
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return n, errs
}

func int64Field(r *http.Request, name string, errs []error) (int64, []error) {
	n, err := strconv.ParseInt(r.FormValue(name), 10, 64)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return n, errs
}

// writeLegacyError keeps the flat {"error": "..."} body of the form routes.
func writeLegacyError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := MapError(err)
	writeJSON(w, r, status, map[string]string{"error": env.Error.Text})
}
