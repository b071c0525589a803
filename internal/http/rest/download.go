package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/doccraft/internal/artifact"
	"github.com/italolelis/doccraft/internal/logctx"
	"github.com/italolelis/doccraft/internal/progress"
	"github.com/italolelis/doccraft/internal/storage"
)

const (
	msgNotAvailable  = "Link expired or already used"
	msgDownloadError = "Download error"
	msgNotFound      = "Not found"

	progressInterval = 1 << 20 // 1MiB
)

// Artifacts is the part of artifact.Manager the download route needs.
type Artifacts interface {
	Redeem(ctx context.Context, id string) (storage.ArtifactRecord, error)
	Open(ctx context.Context, rec storage.ArtifactRecord) (io.ReadCloser, error)
	Release(ctx context.Context, rec storage.ArtifactRecord)
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadHandler struct {
	artifacts Artifacts
}

// NewDownloadHandler creates a new download handler.
func NewDownloadHandler(artifacts Artifacts) *DownloadHandler {
	return &DownloadHandler{artifacts: artifacts}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.NotFound(NotFound)
	r.MethodNotAllowed(NotFound)

	r.Get("/health", h.HandleHealth)
	r.Get("/download/{id}", h.HandleDownload)

	return r
}

// HandleHealth reports that the process is serving requests.
func (h *DownloadHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleDownload redeems the handle in the URL and streams the artifact. The
// stored bytes and the registry entry are released once the stream ends,
// whether or not the client received everything.
func (h *DownloadHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	logger := logctx.LoggerFromContext(ctx).With("artifact_id", id)

	rec, err := h.artifacts.Redeem(ctx, id)
	if err != nil {
		if errors.Is(err, artifact.ErrNotAvailable) {
			writeJSON(ctx, w, http.StatusGone, errorResponse{Error: msgNotAvailable})

			return
		}

		logger.ErrorContext(ctx, "failed to redeem artifact", "err", err)
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: msgDownloadError})

		return
	}

	defer h.artifacts.Release(ctx, rec)

	body, err := h.artifacts.Open(ctx, rec)
	if err != nil {
		logger.ErrorContext(ctx, "failed to open artifact", "err", err)
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: msgDownloadError})

		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Disposition", contentDisposition(rec.DisplayName))
	w.WriteHeader(http.StatusOK)

	pr := progress.NewReader(body, progressInterval, func(read int64) {
		logger.DebugContext(ctx, "streaming artifact", "sent", humanize.Bytes(uint64(read)))
	})

	if _, err := io.Copy(w, pr); err != nil {
		logger.WarnContext(ctx, "artifact stream interrupted", "sent", humanize.Bytes(uint64(pr.BytesRead())), "err", err)

		return
	}

	logger.InfoContext(ctx, "artifact delivered", "filename", rec.DisplayName, "size", humanize.Bytes(uint64(pr.BytesRead())))
}

// NotFound answers unknown routes with a JSON error.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusNotFound, errorResponse{Error: msgNotFound})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}

// contentDisposition formats an attachment header for name. Names that need
// RFC 2231 encoding also get the encoded form as a quoted filename for
// clients that ignore filename*.
func contentDisposition(name string) string {
	v := mime.FormatMediaType("attachment", map[string]string{"filename": name})

	_, encoded, ok := strings.Cut(v, "filename*=utf-8''")
	if !ok {
		return v
	}

	return `attachment; filename="` + encoded + `"; filename*=UTF-8''` + encoded
}
