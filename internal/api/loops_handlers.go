package api

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"loop-library/internal/lifecycle"
	"loop-library/internal/models"
	"loop-library/internal/observability/logging"
	"loop-library/internal/validation"
)

type loopListResponse struct {
	Limit      int           `json:"limit"`
	Page       int           `json:"page"`
	TotalLoops int           `json:"totalLoops"`
	Loops      []models.Loop `json:"loops"`
}

// ListLoops serves one page of the catalogue. "pageNumber" is accepted as an
// alias of "page" for older clients.
func (h *Handler) ListLoops(w http.ResponseWriter, r *http.Request) {
	allowAnyOrigin(w)
	query := r.URL.Query()
	var fields validation.Errors
	parse := func(name, raw string) int {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return 0
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			fields = append(fields, validation.FieldError{Field: name, Message: name + " must be a number"})
		}
		return n
	}
	pageRaw := query.Get("page")
	if pageRaw == "" {
		pageRaw = query.Get("pageNumber")
	}
	page := parse("page", pageRaw)
	limit := parse("limit", query.Get("limit"))
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, Envelope{Message: "Invalid query", Errors: fields})
		return
	}

	listing, err := h.Service.ListLoops(r.Context(), lifecycle.LoopQuery{
		Instrument: query.Get("instrument"),
		Page:       page,
		Limit:      limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	loops := listing.Loops
	if loops == nil {
		loops = []models.Loop{}
	}
	w.Header().Set("Cache-Control", listCacheControl)
	writeJSON(w, http.StatusOK, loopListResponse{
		Limit:      listing.Limit,
		Page:       listing.Page,
		TotalLoops: listing.Total,
		Loops:      loops,
	})
}

// ListInstruments returns the instruments with at least one published loop.
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	allowAnyOrigin(w)
	instruments, err := h.Service.ListInstruments(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if instruments == nil {
		instruments = []models.Instrument{}
	}
	w.Header().Set("Cache-Control", listCacheControl)
	writeJSON(w, http.StatusOK, instruments)
}

// DownloadLoop streams "<id>.<ext>" from the loops bucket.
func (h *Handler) DownloadLoop(w http.ResponseWriter, r *http.Request) {
	allowAnyOrigin(w)
	file, err := h.Service.OpenLoopFile(r.Context(), r.PathValue("file"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer file.Body.Close()

	name := file.Loop.Name
	if name == "" {
		name = file.Loop.ID
	}
	header := w.Header()
	header.Set("Content-Type", file.ContentType)
	header.Set("Cache-Control", fileCacheControl)
	header.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name + "." + file.Extension}))
	if file.Size > 0 {
		header.Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, file.Body); err != nil {
		logging.WithContext(r.Context(), h.Logger).Warn("loop download interrupted", "loop_id", file.Loop.ID, "error", err)
	}
}

// TakeDown removes a published loop.
func (h *Handler) TakeDown(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	r = r.WithContext(logging.ContextWithSubmissionID(r.Context(), id))
	if err := h.Service.TakeDown(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, "Loop removed")
}
