package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"

	"loop-library/internal/lifecycle"
	"loop-library/internal/models"
	"loop-library/internal/observability/logging"
	"loop-library/internal/validation"
)

const (
	msgUploaded  = "File uploaded successfully"
	msgConfirmed = "Submission confirmed, thanks for your patience"
	msgApproved  = "Submission approved!"
	msgDenied    = "Submission deleted, sent bad news"
)

// Contribute accepts a multipart submission.
func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	limit := h.maxUploadBytes()
	ip := h.clientIP(r)
	if r.ContentLength > limit {
		h.Service.Penalize(r.Context(), ip, lifecycle.PenaltyInvalidRequest)
		WriteFailure(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	form, err := parseSubmissionForm(r, limit)
	if err != nil {
		h.Service.Penalize(r.Context(), ip, lifecycle.PenaltyInvalidRequest)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteFailure(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		WriteFailure(w, http.StatusBadRequest, "Expected a multipart form upload")
		return
	}

	sub, err := h.Service.Contribute(r.Context(), form, ip)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: msgUploaded, ID: sub.ID})
}

// parseSubmissionForm reads the multipart body into a validation.Form.
// Fields outside the schema are recorded so validation can reject them.
func parseSubmissionForm(r *http.Request, limit int64) (validation.Form, error) {
	if err := r.ParseMultipartForm(limit); err != nil {
		return validation.Form{}, err
	}
	defer r.MultipartForm.RemoveAll()

	var form validation.Form
	values := r.MultipartForm.Value
	first := func(key string) string {
		if v := values[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	for key := range values {
		switch key {
		case validation.FieldTitle:
			form.Title = first(key)
		case validation.FieldAuthor:
			form.Author = first(key)
		case validation.FieldKey:
			form.Key = first(key)
		case validation.FieldTempo:
			form.Tempo = first(key)
		case validation.FieldTimeSig1:
			form.TimeSig1 = first(key)
		case validation.FieldTimeSig2:
			form.TimeSig2 = first(key)
		case validation.FieldEmail:
			form.SubmissionEmail = first(key)
		case validation.FieldInstrument:
			form.Instrument = first(key)
		case validation.FieldCaptcha:
			form.CaptchaResponse = first(key)
		default:
			form.Unknown = append(form.Unknown, key)
		}
	}
	for key, headers := range r.MultipartForm.File {
		if key != validation.FieldFile {
			form.Unknown = append(form.Unknown, key)
			continue
		}
		if len(headers) == 0 {
			continue
		}
		upload, err := readUpload(headers[0])
		if err != nil {
			return validation.Form{}, err
		}
		form.File = upload
	}
	sort.Strings(form.Unknown)
	return form, nil
}

func readUpload(header *multipart.FileHeader) (*validation.Upload, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return &validation.Upload{
		Filename:  header.Filename,
		MediaType: header.Header.Get("Content-Type"),
		Data:      data,
	}, nil
}

// Confirm redeems the token from the confirmation email.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Confirm(r.Context(), r.URL.Query().Get("token")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, msgConfirmed)
}

// approveRequest carries the moderator's edits. Tempo arrives as a number or
// a numeric string depending on the moderation client.
type approveRequest struct {
	Title         *string      `json:"title"`
	Key           *string      `json:"key"`
	Tempo         *json.Number `json:"tempo"`
	TimeSignature *string      `json:"timesig"`
	Instrument    *string      `json:"instrument"`
	Files         []string     `json:"files"`
}

func (req approveRequest) approval() (validation.Approval, error) {
	approval := validation.Approval{
		Title:         req.Title,
		Key:           req.Key,
		TimeSignature: req.TimeSignature,
		Instrument:    req.Instrument,
		Files:         req.Files,
	}
	if req.Tempo != nil && strings.TrimSpace(req.Tempo.String()) != "" {
		tempo, err := req.Tempo.Int64()
		if err != nil {
			return validation.Approval{}, validation.Errors{{Field: validation.FieldTempo, Message: "Tempo must be a whole number"}}
		}
		value := int(tempo)
		approval.Tempo = &value
	}
	return approval, nil
}

// Approve publishes a confirmed submission.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	r = r.WithContext(logging.ContextWithSubmissionID(r.Context(), id))

	var req approveRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		WriteFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	approval, err := req.approval()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Envelope{Message: "Invalid approval", Errors: lifecycle.FieldErrors(err)})
		return
	}
	if _, err := h.Service.Approve(r.Context(), id, approval); err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, msgApproved)
}

// Deny rejects a submission; the optional reason is mailed to the contributor.
func (h *Handler) Deny(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	r = r.WithContext(logging.ContextWithSubmissionID(r.Context(), id))
	if err := h.Service.Deny(r.Context(), id, r.URL.Query().Get("reason")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, msgDenied)
}

// ListSubmissions returns the moderation queue.
func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	submissions, err := h.Service.ListSubmissions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if submissions == nil {
		submissions = []models.Submission{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, submissions)
}
