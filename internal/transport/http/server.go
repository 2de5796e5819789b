// Package http implements the session control HTTP surface spec.md §6
// describes: session lifecycle, capability registration, function
// discovery, and execute, plus a liveness probe. It is hand-built on
// net/http and goa.design/goa/v3/http's encoding helpers the way
// runtime/mcp/runtime.go's EncodeJSONToString does, rather than full
// Goa-DSL codegen (see DESIGN.md).
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/codemode-dev/codemode/internal/mcp"
	"github.com/codemode-dev/codemode/internal/schemagen"
	"github.com/codemode-dev/codemode/internal/session"
	"github.com/codemode-dev/codemode/internal/telemetry"
	goahttp "goa.design/goa/v3/http"
)

// SessionHeader is the HTTP header identifying the session a request
// targets, per spec.md §6.
const SessionHeader = "x-code-mode-session"

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Server implements the session control HTTP surface over a session.Store.
type Server struct {
	store   session.Store
	logger  telemetry.Logger
	now     Clock
	version string
	newID   func() string
}

// New builds a Server. newID generates session ids (production callers pass
// uuid.NewString; tests may substitute a deterministic generator).
func New(store session.Store, logger telemetry.Logger, version string, newID func() string) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{store: store, logger: logger, now: time.Now, version: version, newID: newID}
}

// Handler builds the routed http.Handler for this server's endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /code-mode/session/create", s.handleSessionCreate)
	mux.HandleFunc("POST /code-mode/session/close", s.handleSessionClose)
	mux.HandleFunc("POST /register/servers", s.handleRegisterServers)
	mux.HandleFunc("POST /register/tools", s.handleRegisterTools)
	mux.HandleFunc("POST /code-mode/functions/list", s.handleFunctionsList)
	mux.HandleFunc("POST /code-mode/functions/details", s.handleFunctionsDetails)
	mux.HandleFunc("POST /code-mode/execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := s.newID()
	if _, err := s.store.CreateSession(ctx, id, s.now()); err != nil {
		s.writeStoreError(ctx, w, err)
		return
	}
	s.encode(ctx, w, http.StatusOK, sessionCreateResponse{SessionID: id})
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.Header.Get(SessionHeader)
	if id == "" {
		s.writeError(ctx, w, http.StatusBadRequest, "invalid_session", "missing "+SessionHeader+" header", nil)
		return
	}
	if _, err := s.store.EndSession(ctx, id, s.now()); err != nil {
		s.writeStoreError(ctx, w, err)
		return
	}
	s.encode(ctx, w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleRegisterServers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	var req registerServersRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, "bad_request", "malformed request body", err)
		return
	}

	resp := registerServersResponse{}
	var toRegister []mcp.RemoteServerConfig
	for _, dto := range req.Servers {
		cfg, err := dto.toConfig()
		if err != nil {
			// A malformed secret string fails registration for this one
			// server only, matching "no failure aborts siblings".
			resp.Failed = append(resp.Failed, dto.Name)
			s.logger.Warn(ctx, "server registration failed", "server", dto.Name, "error", err.Error())
			continue
		}
		toRegister = append(toRegister, cfg)
	}

	for _, res := range sess.Aggregator.AddServers(ctx, toRegister, 0) {
		if res.Err != nil {
			resp.Failed = append(resp.Failed, res.Name)
			s.logger.Warn(ctx, "server registration failed", "server", res.Name, "error", res.Err.Error())
			continue
		}
		resp.Registered = append(resp.Registered, res.Name)
	}

	s.encode(ctx, w, http.StatusOK, resp)
}

func (s *Server) handleRegisterTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	var req registerToolsRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, "bad_request", "malformed request body", err)
		return
	}

	var registered []string
	for _, dto := range req.Tools {
		cfg := dto.toConfig()
		if err := sess.Aggregator.AddCallback(cfg); err != nil {
			s.writeCodeModeError(ctx, w, err)
			return
		}
		registered = append(registered, cfg.ID().String())
	}
	s.encode(ctx, w, http.StatusOK, registerToolsResponse{Registered: registered})
}

func (s *Server) handleFunctionsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	result := sess.Aggregator.ListFunctions()
	s.encode(ctx, w, http.StatusOK, listFunctionsResponse{
		Code:      result.Code,
		Functions: summariesToDTO(result.Functions),
	})
}

func (s *Server) handleFunctionsDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var req functionDetailsRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, "bad_request", "malformed request body", err)
		return
	}
	result := sess.Aggregator.GetFunctionDetails(req.idents())
	s.encode(ctx, w, http.StatusOK, functionDetailsResponse{
		Code:      result.Code,
		Functions: detailsToDTO(result.Functions),
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, "bad_request", "malformed request body", err)
		return
	}
	result, err := sess.Aggregator.Execute(ctx, req.Code)
	if err != nil {
		s.writeCodeModeError(ctx, w, err)
		return
	}
	s.encode(ctx, w, http.StatusOK, executeResponse{
		Success: result.Success,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
		Output:  result.Output,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, healthResponse{Status: "ok", Version: s.version})
}

func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	ctx := r.Context()
	id := r.Header.Get(SessionHeader)
	if id == "" {
		s.writeError(ctx, w, http.StatusBadRequest, "invalid_session", "missing "+SessionHeader+" header", nil)
		return nil, false
	}
	sess, err := s.store.LoadSession(ctx, id)
	if err != nil {
		s.writeStoreError(ctx, w, err)
		return nil, false
	}
	if sess.Status == session.StatusEnded {
		s.writeError(ctx, w, http.StatusBadRequest, "invalid_session", "session already ended", nil)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeStoreError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.writeError(ctx, w, http.StatusNotFound, "not_found", "session not found", err)
	case errors.Is(err, session.ErrSessionEnded):
		s.writeError(ctx, w, http.StatusBadRequest, "invalid_session", "session already ended", err)
	default:
		s.writeError(ctx, w, http.StatusInternalServerError, "internal", "internal error", err)
	}
}

// writeCodeModeError maps an error surfaced by the capability aggregator's
// own operations (AddCallback, Execute's control-plane failures) to a
// status/code pair via its errorkind.Kind, per spec.md §7's propagation
// policy: these are control-plane failures, distinct from a program
// failure already folded into a 200 response's success=false envelope.
func (s *Server) writeCodeModeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind, ok := errorkind.KindOf(err)
	if !ok {
		s.writeError(ctx, w, http.StatusInternalServerError, "internal", "internal error", err)
		return
	}
	switch kind {
	case errorkind.BadSchema, errorkind.Conflict, errorkind.MissingCallbacks:
		s.writeError(ctx, w, http.StatusBadRequest, "execution", err.Error(), err)
	case errorkind.TransportFailure:
		s.writeError(ctx, w, http.StatusBadRequest, "execution", err.Error(), err)
	default:
		s.writeError(ctx, w, http.StatusInternalServerError, "internal", "internal error", err)
	}
}

func (s *Server) decode(r *http.Request, v any) error {
	return goahttp.RequestDecoder(r).Decode(v)
}

func (s *Server) encode(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := goahttp.ResponseEncoder(ctx, w).Encode(v); err != nil {
		s.logger.Error(ctx, "failed to encode response", "error", err.Error())
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := newErrorResponse(code, message, err)
	if encErr := goahttp.ResponseEncoder(ctx, w).Encode(resp); encErr != nil {
		s.logger.Error(ctx, "failed to encode error response", "error", encErr.Error())
	}
}

func summariesToDTO(in []schemagen.FunctionSummary) []functionSummaryDTO {
	out := make([]functionSummaryDTO, 0, len(in))
	for _, f := range in {
		out = append(out, functionSummaryDTO{Namespace: f.Namespace, Name: f.Name, Description: f.Description})
	}
	return out
}

func detailsToDTO(in []schemagen.FunctionDetail) []functionDetailDTO {
	out := make([]functionDetailDTO, 0, len(in))
	for _, f := range in {
		out = append(out, functionDetailDTO{
			Namespace: f.Namespace, Name: f.Name,
			InputType: f.InputType, OutputType: f.OutputType, Types: f.Types,
		})
	}
	return out
}
