package handlers

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/services"
	"github.com/go-chi/chi/v5"
)

type publishRequest struct {
	Name      string `json:"name"`
	Published *bool  `json:"published"`
}

type FilesHandler struct {
	files services.FileService

	logger logging.Logger
}

func NewFilesHandler(files services.FileService, l logging.Logger) *FilesHandler {
	return &FilesHandler{
		files:  files,
		logger: l,
	}
}

// List answers the files of owner, optionally narrowed by type and paged
// with page and page_size.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := services.FileQuery{
		Owner: query.Get("owner"),
		Type:  query.Get("type"),
	}
	if q.Owner == "" {
		WriteError(w, r, apperror.New(apperror.KindInvalidRequest, "owner query parameter is required"))
		return
	}

	var err error
	if q.Page, err = queryInt(query.Get("page")); err != nil {
		WriteError(w, r, apperror.Wrap(apperror.KindInvalidRequest, err, "page must be a non-negative integer"))
		return
	}
	if q.PageSize, err = queryInt(query.Get("page_size")); err != nil {
		WriteError(w, r, apperror.Wrap(apperror.KindInvalidRequest, err, "page_size must be a non-negative integer"))
		return
	}

	resp, err := h.files.ListFiles(r.Context(), q)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, resp)
}

func (h *FilesHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, err := h.files.GetFile(r.Context(), chi.URLParam(r, "fileId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, f)
}

// Publish takes name and published either as JSON or as form fields.
// An omitted published flag publishes the file.
func (h *FilesHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, r, apperror.Wrap(apperror.KindInvalidRequest, err, "malformed JSON body"))
			return
		}
	} else {
		if err := parseForm(r); err != nil {
			WriteError(w, r, err)
			return
		}
		req.Name = r.FormValue("name")
		if raw := r.FormValue("published"); raw != "" {
			p, err := strconv.ParseBool(raw)
			if err != nil {
				WriteError(w, r, apperror.Wrap(apperror.KindInvalidRequest, err, "published must be a boolean"))
				return
			}
			req.Published = &p
		}
	}

	published := true
	if req.Published != nil {
		published = *req.Published
	}

	f, err := h.files.Publish(r.Context(), chi.URLParam(r, "fileId"), req.Name, published)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, f)
}

func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	d, err := h.files.Download(r.Context(), chi.URLParam(r, "fileId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, d)
}

// LegacyDownload counts a download for the old web client and answers with
// the bare download descriptor.
func (h *FilesHandler) LegacyDownload(w http.ResponseWriter, r *http.Request) {
	d, err := h.files.Download(r.Context(), chi.URLParam(r, "fileId"))
	if err != nil {
		writeLegacyError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")
	if err := h.files.Delete(r.Context(), fileID); err != nil {
		h.logger.Warn("failed to delete file", "file_id", fileID, "error", err)
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}
