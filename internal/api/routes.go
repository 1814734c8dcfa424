package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conoscope-control/conoctl/internal/auth"
	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

const apiV1 = "/api/v1"

// maxBodyBytes bounds request bodies. Every record is a handful of fields.
const maxBodyBytes = 64 << 10

// RegisterRoutes registers all v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Health endpoint (no auth required)
	mux.HandleFunc(apiV1+"/health", s.handleHealth)

	mux.HandleFunc(apiV1+"/version", s.guard(auth.ScopeRead, s.handleVersion))
	mux.HandleFunc(apiV1+"/setup/status", s.guard(auth.ScopeRead, s.handleSetupStatus))
	mux.HandleFunc(apiV1+"/setup", s.guard(auth.ScopeControl, s.handleSetup))
	mux.HandleFunc(apiV1+"/measure", s.guard(auth.ScopeControl, s.handleMeasure))
	mux.HandleFunc(apiV1+"/export/raw", s.guard(auth.ScopeControl, s.handleExportRaw))
	mux.HandleFunc(apiV1+"/export/processed", s.guard(auth.ScopeControl, s.handleExportProcessed))
	mux.HandleFunc(apiV1+"/cmdconfig", s.guard(auth.ScopeRead, s.handleCmdConfig))
	mux.HandleFunc(apiV1+"/sequence/cancel", s.guard(auth.ScopeControl, s.handleSequenceCancel))

	// Read and write share a path; the scope depends on the method.
	mux.HandleFunc(apiV1+"/settings", s.byMethod(s.handleGetSettings, http.MethodPut, s.handleSetSettings))
	mux.HandleFunc(apiV1+"/debug", s.byMethod(s.handleGetDebug, http.MethodPut, s.handleSetDebug))
	mux.HandleFunc(apiV1+"/sequence", s.byMethod(s.handleSequenceStatus, http.MethodPost, s.handleSequenceSubmit))

	mux.HandleFunc(apiV1+"/telemetry", s.guard(auth.ScopeTelemetry, s.handleTelemetry))

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
}

// guard wraps h with authentication and the given scope when auth is enabled.
func (s *Server) guard(scope string, h http.HandlerFunc) http.HandlerFunc {
	if s.authMiddleware == nil {
		return h
	}
	return s.authMiddleware.RequireAuth(s.authMiddleware.RequireScope(scope)(h))
}

// byMethod routes GET to read (read scope) and writeMethod to write (control scope).
func (s *Server) byMethod(read http.HandlerFunc, writeMethod string, write http.HandlerFunc) http.HandlerFunc {
	readH := s.guard(auth.ScopeRead, read)
	writeH := s.guard(auth.ScopeControl, write)
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			readH(w, r)
		case writeMethod:
			writeH(w, r)
		default:
			methodNotAllowed(w, http.MethodGet, writeMethod)
		}
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		"Only "+strings.Join(allowed, " and ")+" allowed", nil)
}

// decodeStrict decodes exactly one JSON object with no unknown fields. On
// failure it writes the error and returns false.
func decodeStrict(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Malformed JSON or unknown fields",
			map[string]interface{}{"error": err.Error()})
		return false
	}
	// Trailing data check
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Trailing data after JSON object", nil)
		return false
	}
	return true
}

// writeResult writes data for a successful device reply, or the mapped error.
func writeResult(w http.ResponseWriter, cmd device.Command, result model.CommandResult, err error, data interface{}) {
	if err == nil {
		err = device.AsError(cmd, result)
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if data == nil {
		data = result
	}
	WriteSuccess(w, data)
}

func (s *Server) deviceAvailable(w http.ResponseWriter) bool {
	if s.device == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Device session not available", nil)
		return false
	}
	return true
}

// handleVersion handles GET /version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.deviceAvailable(w) {
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"library":  s.device.LibraryVersion(),
		"executor": s.device.Info(),
		"running":  s.device.Running(),
	})
}

// handleSetupStatus handles GET /setup/status
func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.deviceAvailable(w) {
		return
	}

	result, status, err := s.device.SetupStatus(r.Context())
	writeResult(w, device.CmdSetupStatus, result, err, status)
}

// handleSetup handles POST /setup
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req model.SetupConfig
	if !decodeStrict(w, r, &req) {
		return
	}
	if !s.deviceAvailable(w) {
		return
	}

	result, err := s.device.Setup(r.Context(), req)
	writeResult(w, device.CmdSetup, result, err, nil)
}

// handleMeasure handles POST /measure
func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req model.MeasureConfig
	if !decodeStrict(w, r, &req) {
		return
	}
	if !s.deviceAvailable(w) {
		return
	}

	result, err := s.device.Measure(r.Context(), req)
	writeResult(w, device.CmdMeasure, result, err, nil)
}

// handleExportRaw handles POST /export/raw. It takes no body.
func (s *Server) handleExportRaw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.deviceAvailable(w) {
		return
	}

	result, err := s.device.ExportRaw(r.Context())
	writeResult(w, device.CmdExportRaw, result, err, nil)
}

// handleExportProcessed handles POST /export/processed
func (s *Server) handleExportProcessed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req model.ProcessingConfig
	if !decodeStrict(w, r, &req) {
		return
	}
	if !s.deviceAvailable(w) {
		return
	}

	result, err := s.device.ExportProcessed(r.Context(), req)
	writeResult(w, device.CmdExportProcessed, result, err, nil)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !s.deviceAvailable(w) {
		return
	}
	result, settings, err := s.device.GetConfig(r.Context())
	writeResult(w, device.CmdGetConfig, result, err, settings)
}

func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var req model.Settings
	if !decodeStrict(w, r, &req) {
		return
	}
	if !s.deviceAvailable(w) {
		return
	}
	result, err := s.device.SetConfig(r.Context(), req)
	writeResult(w, device.CmdSetConfig, result, err, nil)
}

func (s *Server) handleGetDebug(w http.ResponseWriter, r *http.Request) {
	if !s.deviceAvailable(w) {
		return
	}
	result, settings, err := s.device.GetDebugConfig(r.Context())
	writeResult(w, device.CmdGetDebugConfig, result, err, settings)
}

func (s *Server) handleSetDebug(w http.ResponseWriter, r *http.Request) {
	var req model.DebugSettings
	if !decodeStrict(w, r, &req) {
		return
	}
	if !s.deviceAvailable(w) {
		return
	}
	result, err := s.device.SetDebugConfig(r.Context(), req)
	writeResult(w, device.CmdSetDebugConfig, result, err, nil)
}

// handleCmdConfig handles GET /cmdconfig
func (s *Server) handleCmdConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.deviceAvailable(w) {
		return
	}

	result, cfg, err := s.device.GetCmdConfig(r.Context())
	writeResult(w, device.CmdGetCmdConfig, result, err, cfg)
}

func (s *Server) sequenceAvailable(w http.ResponseWriter) bool {
	if s.sequence == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Sequence orchestrator not available", nil)
		return false
	}
	return true
}

// handleSequenceStatus handles GET /sequence. It returns the last polled
// status and never queries the device.
func (s *Server) handleSequenceStatus(w http.ResponseWriter, r *http.Request) {
	if !s.sequenceAvailable(w) {
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"status": s.sequence.Poll(),
		"active": s.sequence.Active(),
	})
}

// handleSequenceSubmit handles POST /sequence
func (s *Server) handleSequenceSubmit(w http.ResponseWriter, r *http.Request) {
	var req model.CaptureSequenceConfig
	if !decodeStrict(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if !s.sequenceAvailable(w) {
		return
	}

	result, err := s.sequence.Submit(r.Context(), req)
	if err == nil {
		err = device.AsError(device.CmdCaptureSequence, result)
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{
		"result": result,
		"status": s.sequence.Poll(),
	})
}

// handleSequenceCancel handles POST /sequence/cancel. Cancellation is a
// request; the run ends when the device reports Cancel.
func (s *Server) handleSequenceCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.sequenceAvailable(w) {
		return
	}

	result, err := s.sequence.Cancel(r.Context())
	writeResult(w, device.CmdCaptureSequenceCancel, result, err, nil)
}

// handleTelemetry handles GET /telemetry (SSE)
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE",
			"Telemetry service not available", nil)
		return
	}

	if err := s.telemetryHub.Subscribe(r.Context(), w, r); err != nil && !errors.Is(err, r.Context().Err()) {
		s.log.WithError(err).Warn("Telemetry subscription ended with error")
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	subsystems := map[string]bool{
		"device":    s.device != nil && s.device.Running(),
		"sequence":  s.sequence != nil,
		"telemetry": s.telemetryHub != nil,
	}

	overallStatus := "ok"
	for _, ok := range subsystems {
		if !ok {
			overallStatus = "degraded"
		}
	}

	health := map[string]interface{}{
		"status":     overallStatus,
		"uptimeSec":  time.Since(s.startTime).Seconds(),
		"subsystems": subsystems,
	}
	if s.device != nil {
		health["library"] = s.device.LibraryVersion().LibraryVersion
	}
	if s.sequence != nil {
		health["sequenceActive"] = s.sequence.Active()
	}
	if s.telemetryHub != nil {
		health["telemetryClients"] = s.telemetryHub.ClientCount()
	}

	if overallStatus == "ok" {
		WriteSuccess(w, health)
		return
	}
	WriteError(w, http.StatusServiceUnavailable, "SERVICE_DEGRADED",
		"One or more subsystems are unavailable", health)
}
