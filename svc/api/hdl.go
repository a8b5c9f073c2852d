package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"time"

	"fogbin/pkg/domain"
	"fogbin/svc/redact"
	"fogbin/svc/svc"
	"fogbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const (
	passwordHeader  = "X-Paste-Password"
	maxSmallRequest = 4 * 1024
)

type Hdl struct {
	paste   *svc.Paste
	maxBody int64
}

func NewHdl(p *svc.Paste, maxPasteSize int) *Hdl {
	if maxPasteSize <= 0 {
		maxPasteSize = svc.DefaultMaxPasteSize
	}
	// JSON escaping can double the size of the content field.
	return &Hdl{paste: p, maxBody: int64(maxPasteSize)*2 + maxSmallRequest}
}

type CreateReq struct {
	Content    string `json:"content"`
	Language   string `json:"language,omitempty"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
	Redacted   bool   `json:"redacted,omitempty"`
	Password   string `json:"password,omitempty"`
}
type CreateResp struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}
type PasswordReq struct {
	Password string `json:"password"`
}
type PreviewReq struct {
	Content string `json:"content"`
}
type PreviewResp struct {
	Spans    []redact.Span `json:"spans"`
	Redacted string        `json:"redacted"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if !h.requireJSON(w, r, requestID) {
		return
	}
	if r.ContentLength > h.maxBody {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	var req CreateReq
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
		log.Warn().Err(err).Msg("invalid request")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	m, err := h.paste.Create(r.Context(), domain.CreateParams{
		Content:    req.Content,
		Language:   req.Language,
		TTLMinutes: req.TTLMinutes,
		Redacted:   req.Redacted,
		Password:   req.Password,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to create paste")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", m.ID).
		Str("language", m.Language).
		Time("expires_at", m.ExpiresAt).
		Bool("redacted", m.Redacted).
		Bool("password_protected", m.Gated()).
		Msg("paste created")
	writeJSON(w, http.StatusOK, CreateResp{ID: m.ID, ExpiresAt: m.ExpiresAt})
}

func (h *Hdl) GetRaw(w http.ResponseWriter, r *http.Request) {
	h.serveRaw(w, r, r.Header.Get(passwordHeader))
}

func (h *Hdl) PostRaw(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	var req PasswordReq
	if err := decodeJSON(w, r, maxSmallRequest, &req); err != nil && err != io.EOF {
		hlog.FromRequest(r).Warn().Err(err).Msg("invalid request")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	h.serveRaw(w, r, req.Password)
}

func (h *Hdl) serveRaw(w http.ResponseWriter, r *http.Request, password string) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	text, err := h.paste.ReadRaw(r.Context(), id, password)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			log.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("paste retrieved")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, text)
}

func (h *Hdl) GetMeta(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	view, err := h.paste.ReadMetadata(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Hdl) ValidatePassword(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	var req PasswordReq
	if err := decodeJSON(w, r, maxSmallRequest, &req); err != nil {
		log.Warn().Err(err).Msg("invalid request")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if err := h.paste.ValidatePassword(r.Context(), id, req.Password); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			log.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
		}
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	password := r.Header.Get(passwordHeader)
	if password == "" && r.ContentLength != 0 {
		var req PasswordReq
		if err := decodeJSON(w, r, maxSmallRequest, &req); err != nil && err != io.EOF {
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		password = req.Password
	}
	if err := h.paste.Delete(r.Context(), id, password); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			log.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed delete attempt")
		}
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Hdl) GetStats(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	stats, err := h.paste.Stats(r.Context())
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Hdl) PreviewRedaction(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	if !h.requireJSON(w, r, requestID) {
		return
	}
	var req PreviewReq
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	writeJSON(w, http.StatusOK, PreviewResp{
		Spans:    redact.Spans(req.Content),
		Redacted: redact.Redact(req.Content),
	})
}

func (h *Hdl) GetPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.paste.TTLPresets())
}

func (h *Hdl) requireJSON(w http.ResponseWriter, r *http.Request, requestID string) bool {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		hlog.FromRequest(r).Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	if errors.Is(err, svc.ErrShuttingDown) {
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":      "service unavailable",
			"request_id": requestID,
		})
		return
	}
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	writeJSON(w, statusCode, map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
