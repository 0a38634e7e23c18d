package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/scrypster/invoicemem/internal/engine"
	"github.com/scrypster/invoicemem/internal/memory"
	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ProcessRequest is the body of POST /api/invoices.
type ProcessRequest struct {
	Invoice  *types.Invoice       `json:"invoice"`
	Decision *types.HumanDecision `json:"decision,omitempty"`
}

// DecayRequest is the optional body of POST /api/maintenance/decay.
type DecayRequest struct {
	// At overrides the decay reference time. Zero means now.
	At time.Time `json:"at,omitempty"`
}

// UpdatesResponse lists the memory changes made by a request.
type UpdatesResponse struct {
	MemoryUpdates []types.MemoryUpdate `json:"memoryUpdates"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Memory      memory.Stats            `json:"memory"`
	Storage     *storage.BreakerMetrics `json:"storage,omitempty"`
	Subscribers int                     `json:"subscribers"`
}

// AuditResponse is the body of GET /api/audit.
type AuditResponse struct {
	Records []types.AuditRecord `json:"records"`
	Count   int                 `json:"count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Invoice == nil {
		respondError(w, http.StatusBadRequest, "invoice is required", nil)
		return
	}

	out, err := s.pipeline.Process(r.Context(), req.Invoice, req.Decision)
	if err != nil && out == nil {
		respondPipelineError(w, err)
		return
	}
	if !s.flush(w, r) {
		return
	}
	if err != nil {
		// The decision and its learning stand but the audit record was lost.
		log.Printf("server: invoice %s processed but not audited: %v", out.InvoiceID, err)
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb engine.Feedback
	if !decodeBody(w, r, &fb, false) {
		return
	}

	updates, err := s.pipeline.RecordFeedback(r.Context(), fb)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	if !s.flush(w, r) {
		return
	}

	s.hub.Publish(Event{Type: EventFeedback, InvoiceID: fb.InvoiceID, Data: updates})
	respondJSON(w, http.StatusOK, UpdatesResponse{MemoryUpdates: nonNil(updates)})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	var req DecayRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updates, err := s.pipeline.ApplyDecay(r.Context(), at)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	if !s.flush(w, r) {
		return
	}

	if len(updates) > 0 {
		s.hub.Publish(Event{Type: EventDecay, Data: updates})
	}
	respondJSON(w, http.StatusOK, UpdatesResponse{MemoryUpdates: nonNil(updates)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Memory:      s.pipeline.Store().Stats(),
		Subscribers: s.hub.Clients(),
	}
	if s.metrics != nil {
		m := s.metrics.Metrics()
		resp.Storage = &m
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondError(w, http.StatusNotImplemented, "audit log is not available", nil)
		return
	}

	opts := storage.AuditListOptions{
		InvoiceID: r.URL.Query().Get("invoiceId"),
		Limit:     parseInt(r.URL.Query().Get("limit"), 20),
	}
	records, err := s.audit.ListAudit(r.Context(), opts)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	if records == nil {
		records = []types.AuditRecord{}
	}
	respondJSON(w, http.StatusOK, AuditResponse{Records: records, Count: len(records)})
}

// flush persists dirty memory. It writes an error response and returns false
// when the save fails; the records stay dirty for the next flush.
func (s *Server) flush(w http.ResponseWriter, r *http.Request) bool {
	if _, err := s.pipeline.Flush(r.Context()); err != nil {
		log.Printf("server: failed to persist memory: %v", err)
		respondPipelineError(w, err)
		return false
	}
	return true
}

// decodeBody reads a JSON body into dst. An empty body is accepted only when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// respondPipelineError maps engine and storage errors to status codes.
func respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidInvoice),
		errors.Is(err, engine.ErrInvalidDecision),
		errors.Is(err, storage.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownMemory), errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, storage.ErrCircuitOpen):
		respondError(w, http.StatusServiceUnavailable, "storage unavailable", err)
	default:
		respondError(w, http.StatusInternalServerError, "internal error", err)
	}
}

// respondJSON writes data as a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		log.Printf("server: failed to encode JSON response: %v", err)
	}
}

// respondError writes an ErrorResponse with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
		Code:  errorCode(statusCode),
	}
	if err != nil {
		resp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}
	respondJSON(w, statusCode, resp)
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusNotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return "INTERNAL"
	}
}

// parseInt parses s, falling back to def when s is empty or malformed.
func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func nonNil(updates []types.MemoryUpdate) []types.MemoryUpdate {
	if updates == nil {
		return []types.MemoryUpdate{}
	}
	return updates
}
