package service

import (
	"bufio"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/simulation"
)

const maxBodySize = 10 << 20

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request
type ErrorDetail struct {
	Kind         string             `json:"kind"`
	Message      string             `json:"message"`
	BlockID      string             `json:"block_id,omitempty"`
	ConnectionID string             `json:"connection_id,omitempty"`
	Suggestions  []string           `json:"suggestions,omitempty"`
	Violations   []errors.Violation `json:"violations,omitempty"`
}

// Handler returns a ServeMux with the overlay routes under prefix
func (o *Overlay) Handler(prefix string) http.Handler {
	mux := http.NewServeMux()
	o.RegisterHTTPHandlers(prefix, mux)
	return mux
}

// RegisterHTTPHandlers registers the overlay routes on mux
func (o *Overlay) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET " + prefix + "blocks", o.handleListBlocks},
		{"POST " + prefix + "canvases", o.handleCreateCanvas},
		{"GET " + prefix + "canvases", o.handleListCanvases},
		{"GET " + prefix + "canvases/{id}", o.handleGetCanvas},
		{"DELETE " + prefix + "canvases/{id}", o.handleDeleteCanvas},
		{"POST " + prefix + "canvases/{id}/blocks", o.handleAddBlock},
		{"PATCH " + prefix + "canvases/{id}/blocks/{blockID}", o.handleUpdateBlock},
		{"DELETE " + prefix + "canvases/{id}/blocks/{blockID}", o.handleRemoveBlock},
		{"POST " + prefix + "canvases/{id}/connections", o.handleAddConnection},
		{"DELETE " + prefix + "canvases/{id}/connections/{connID}", o.handleRemoveConnection},
		{"POST " + prefix + "canvases/{id}/validate", o.handleValidate},
		{"POST " + prefix + "simulations", o.handleSimulate},
		{"GET " + prefix + "simulations/{id}", o.handleGetSimulation},
		{"DELETE " + prefix + "simulations/{id}", o.handleCancelSimulation},
		{"GET " + prefix + "simulations/{id}/stream", o.handleSimulationStream},
		{"GET " + prefix + "health", o.handleHealth},
	}
	for _, r := range routes {
		mux.Handle(r.pattern, o.instrument(r.pattern, r.handler))
	}
	o.logger.Info("Overlay HTTP handlers registered", "prefix", prefix, "routes", len(routes))
}

// instrument records request count and latency per route
func (o *Overlay) instrument(route string, next http.HandlerFunc) http.Handler {
	if o.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		o.metrics.RecordHTTPRequest(route, r.Method, rec.code, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack passes WebSocket upgrades through to the underlying writer
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, stderrors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (o *Overlay) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	var categories []block.Category
	if c := r.URL.Query().Get("category"); c != "" {
		for _, part := range strings.Split(c, ",") {
			categories = append(categories, block.Category(strings.TrimSpace(part)))
		}
	}
	o.writeJSON(w, http.StatusOK, map[string]any{"blocks": o.Blocks(categories...)})
}

// handleCreateCanvas creates an empty canvas, or imports one when the
// document carries blocks or connections. JSON and YAML are accepted.
func (o *Overlay) handleCreateCanvas(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		o.writeError(w, errors.WrapInvalid(err, "service.Overlay", "CreateCanvas", "read body"))
		return
	}
	doc, err := canvas.DecodeDocument(data)
	if err != nil {
		o.writeError(w, err)
		return
	}

	var c *canvas.Canvas
	if len(doc.Blocks) == 0 && len(doc.Connections) == 0 {
		c, err = o.CreateCanvas(r.Context(), CreateRequest{
			ID: doc.ID, Name: doc.Name, Description: doc.Description, Config: doc.Config,
		})
	} else {
		c, err = o.ImportCanvas(r.Context(), doc)
	}
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusCreated, c)
}

func (o *Overlay) handleListCanvases(w http.ResponseWriter, r *http.Request) {
	list, err := o.ListCanvases(r.Context())
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusOK, map[string]any{"canvases": list})
}

func (o *Overlay) handleGetCanvas(w http.ResponseWriter, r *http.Request) {
	c, err := o.Canvas(r.Context(), r.PathValue("id"))
	if err != nil {
		o.writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "document" {
		o.writeJSON(w, http.StatusOK, canvas.Export(c))
		return
	}
	o.writeJSON(w, http.StatusOK, c)
}

func (o *Overlay) handleDeleteCanvas(w http.ResponseWriter, r *http.Request) {
	if err := o.DeleteCanvas(r.Context(), r.PathValue("id")); err != nil {
		o.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (o *Overlay) handleAddBlock(w http.ResponseWriter, r *http.Request) {
	var spec canvas.BlockSpec
	if !o.decode(w, r, &spec) {
		return
	}
	b, err := o.AddBlock(r.Context(), r.PathValue("id"), spec)
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusCreated, b)
}

func (o *Overlay) handleUpdateBlock(w http.ResponseWriter, r *http.Request) {
	var update canvas.BlockUpdate
	if !o.decode(w, r, &update) {
		return
	}
	b, err := o.UpdateBlock(r.Context(), r.PathValue("id"), r.PathValue("blockID"), update)
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusOK, b)
}

func (o *Overlay) handleRemoveBlock(w http.ResponseWriter, r *http.Request) {
	c, err := o.RemoveBlock(r.Context(), r.PathValue("id"), r.PathValue("blockID"))
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusOK, c)
}

func (o *Overlay) handleAddConnection(w http.ResponseWriter, r *http.Request) {
	var spec canvas.ConnectionSpec
	if !o.decode(w, r, &spec) {
		return
	}
	conn, err := o.AddConnection(r.Context(), r.PathValue("id"), spec)
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusCreated, conn)
}

func (o *Overlay) handleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	c, err := o.RemoveConnection(r.Context(), r.PathValue("id"), r.PathValue("connID"))
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusOK, c)
}

func (o *Overlay) handleValidate(w http.ResponseWriter, r *http.Request) {
	report, err := o.ValidateCanvas(r.Context(), r.PathValue("id"))
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusOK, report)
}

// handleSimulate runs a simulation synchronously, or queues it with
// ?async=true and answers 202 with the pending result
func (o *Overlay) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulation.Request
	if !o.decode(w, r, &req) {
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		res, err := o.SubmitSimulation(r.Context(), req)
		if err != nil {
			o.writeError(w, err)
			return
		}
		w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+res.ID)
		o.writeJSON(w, http.StatusAccepted, res)
		return
	}

	res, err := o.SimulateOverlay(r.Context(), req)
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusOK, res)
}

func (o *Overlay) handleGetSimulation(w http.ResponseWriter, r *http.Request) {
	res, err := o.Simulation(r.PathValue("id"))
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusOK, res)
}

func (o *Overlay) handleCancelSimulation(w http.ResponseWriter, r *http.Request) {
	res, err := o.CancelSimulation(r.PathValue("id"))
	if err != nil {
		o.writeError(w, err)
		return
	}
	o.writeJSON(w, http.StatusOK, res)
}

func (o *Overlay) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := o.Health(r.Context())
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	o.writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": o.Uptime().Round(time.Second).String(),
		"stats":  o.engine.Stats(),
	})
}

// decode reads a JSON body into v, answering 400 on failure
func (o *Overlay) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		o.writeError(w, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"service.Overlay", "decode", "request body"))
		return false
	}
	return true
}

// writeJSON writes a JSON response and logs encoding errors
func (o *Overlay) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		o.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError maps err to a status code and writes the error body
func (o *Overlay) writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	detail := ErrorDetail{Kind: errors.Classify(err).String(), Message: err.Error()}
	if oe, ok := errors.AsOverlay(err); ok {
		detail = ErrorDetail{
			Kind:         string(oe.Kind),
			Message:      oe.Message,
			BlockID:      oe.BlockID,
			ConnectionID: oe.ConnectionID,
			Suggestions:  oe.Suggestions,
			Violations:   oe.Violations,
		}
	}
	if code >= http.StatusInternalServerError {
		o.logger.Error("Request failed", "status", code, "error", err)
		if o.metrics != nil {
			o.metrics.RecordError("overlay", detail.Kind)
		}
	}
	o.writeJSON(w, code, ErrorBody{Error: detail})
}

// StatusCode maps an error to its HTTP status: not_found is 404, other
// pre-execution kinds 422, version conflicts 409, other invalid errors
// 400 and transient errors 503. Everything else is 500.
func StatusCode(err error) int {
	kind := errors.KindOf(err)
	switch {
	case kind == errors.KindNotFound:
		return http.StatusNotFound
	case kind.PreExecution():
		return http.StatusUnprocessableEntity
	case stderrors.Is(err, errors.ErrVersionConflict):
		return http.StatusConflict
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case kind == "" && errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
