package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/wavs-labs/wavs/pkg/aggregator"
	"github.com/wavs-labs/wavs/pkg/keys"
	"github.com/wavs-labs/wavs/pkg/registry"
	"github.com/wavs-labs/wavs/pkg/storage"
	"github.com/wavs-labs/wavs/pkg/types"
)

// maxManifestBytes bounds registration bodies.
const maxManifestBytes = 1 << 20

// maxComponentBytes bounds Wasm uploads.
const maxComponentBytes = 64 << 20

// ServiceEvents notifies the trigger manager of registry changes.
type ServiceEvents interface {
	Added(svc *types.Service) error
	Removed(id types.ServiceID)
	Updated(svc *types.Service) error
}

// PacketIngestor accepts aggregator packets.
type PacketIngestor interface {
	Ingest(ctx context.Context, packet types.Packet) error
}

// TestExecutor runs a component once with a supplied input and returns
// the payload it would submit, if any. Dev-mode only.
type TestExecutor func(ctx context.Context, serviceID types.ServiceID, workflowID types.WorkflowID, input []byte) ([]byte, bool, error)

// Config wires the server.
type Config struct {
	Registry  *registry.Registry
	Store     *storage.Store
	Keys      *keys.Store
	Events    ServiceEvents
	Ingestor  PacketIngestor
	Executor  TestExecutor
	JWTSecret string
	DevMode   bool
	Logger    *slog.Logger
}

// Server is the admin HTTP adapter.
type Server struct {
	registry  *registry.Registry
	store     *storage.Store
	keys      *keys.Store
	events    ServiceEvents
	ingestor  PacketIngestor
	executor  TestExecutor
	jwtSecret string
	devMode   bool
	logger    *slog.Logger
}

// New builds the server.
func New(cfg Config) *Server {
	return &Server{
		registry:  cfg.Registry,
		store:     cfg.Store,
		keys:      cfg.Keys,
		events:    cfg.Events,
		ingestor:  cfg.Ingestor,
		executor:  cfg.Executor,
		jwtSecret: cfg.JWTSecret,
		devMode:   cfg.DevMode,
		logger:    cfg.Logger.With("component", "server"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /services", s.handleListServices)
	mux.HandleFunc("POST /services", s.handleRegisterService)
	mux.HandleFunc("GET /services/{id}", s.handleGetService)
	mux.HandleFunc("PUT /services/{id}", s.handleUpgradeService)
	mux.HandleFunc("DELETE /services/{id}", s.handleDeleteService)
	mux.HandleFunc("POST /services/{id}/pause", s.handlePauseService)
	mux.HandleFunc("POST /services/{id}/resume", s.handleResumeService)
	mux.HandleFunc("GET /services/{id}/signer", s.requireAuth(s.handleSignerInfo))
	mux.HandleFunc("POST /components", s.handleUploadComponent)
	if s.ingestor != nil {
		mux.HandleFunc("POST /packets", s.handlePostPacket)
	}
	if s.devMode && s.executor != nil {
		mux.HandleFunc("POST /dev/execute", s.handleTestExecute)
	}
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"request_id", requestID, "duration", time.Since(start))
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		WriteBadRequest(w, r, "unreadable body")
		return
	}
	manifest, err := registry.ParseManifest(raw)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	svc, err := manifest.Service()
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	for workflowID, workflow := range svc.Workflows {
		if !s.store.HasComponent(workflow.Component.Source) {
			WriteBadRequest(w, r, fmt.Sprintf("workflow %s references unknown component %s", workflowID, workflow.Component.Source))
			return
		}
	}
	if err := s.registry.Register(r.Context(), svc); err != nil {
		if errors.Is(err, registry.ErrRegistered) {
			WriteConflict(w, r, err.Error())
			return
		}
		WriteInternalError(w, r, err.Error())
		return
	}
	if s.events != nil {
		if err := s.events.Added(svc); err != nil {
			s.logger.Error("trigger registration failed", "service_id", svc.ID, "error", err)
		}
	}
	WriteJSON(w, http.StatusCreated, svc)
}

func (s *Server) serviceFromPath(w http.ResponseWriter, r *http.Request) (*types.Service, bool) {
	id := types.ServiceID(r.PathValue("id"))
	svc, err := s.registry.Get(id)
	if err != nil {
		WriteNotFound(w, r, fmt.Sprintf("service %s", id))
		return nil, false
	}
	return svc, true
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.serviceFromPath(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, svc)
}

// upgradeRequest is the URI-change payload applied to a service.
type upgradeRequest struct {
	URI       string                               `json:"uri"`
	Workflows map[types.WorkflowID]*types.Workflow `json:"workflows"`
}

func (s *Server) handleUpgradeService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.serviceFromPath(w, r)
	if !ok {
		return
	}
	var req upgradeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxManifestBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid upgrade body")
		return
	}
	if err := s.registry.Upgrade(r.Context(), svc.ID, req.URI, req.Workflows); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	upgraded, err := s.registry.Get(svc.ID)
	if err != nil {
		WriteInternalError(w, r, err.Error())
		return
	}
	if s.events != nil {
		if err := s.events.Updated(upgraded); err != nil {
			s.logger.Error("trigger re-registration failed", "service_id", svc.ID, "error", err)
		}
	}
	WriteJSON(w, http.StatusOK, upgraded)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.serviceFromPath(w, r)
	if !ok {
		return
	}
	if err := s.registry.Delete(r.Context(), svc.ID); err != nil {
		WriteInternalError(w, r, err.Error())
		return
	}
	if s.events != nil {
		s.events.Removed(svc.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.serviceFromPath(w, r)
	if !ok {
		return
	}
	if err := s.registry.Pause(r.Context(), svc.ID); err != nil {
		WriteInternalError(w, r, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.serviceFromPath(w, r)
	if !ok {
		return
	}
	if err := s.registry.Resume(r.Context(), svc.ID); err != nil {
		WriteInternalError(w, r, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// signerInfo is the public view of a service's derived key.
type signerInfo struct {
	ServiceID types.ServiceID `json:"service_id"`
	HDIndex   uint32          `json:"hd_index"`
	Address   common.Address  `json:"address"`
}

func (s *Server) handleSignerInfo(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.serviceFromPath(w, r)
	if !ok {
		return
	}
	signer, err := s.keys.Signer(svc.HDIndex)
	if err != nil {
		WriteInternalError(w, r, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, signerInfo{
		ServiceID: svc.ID,
		HDIndex:   signer.Index,
		Address:   signer.Address,
	})
}

func (s *Server) handleUploadComponent(w http.ResponseWriter, r *http.Request) {
	wasm, err := io.ReadAll(io.LimitReader(r.Body, maxComponentBytes))
	if err != nil {
		WriteBadRequest(w, r, "unreadable body")
		return
	}
	if len(wasm) == 0 {
		WriteBadRequest(w, r, "empty component")
		return
	}
	digest, err := s.store.PutComponent(wasm)
	if err != nil {
		WriteInternalError(w, r, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]types.Digest{"digest": digest})
}

func (s *Server) handlePostPacket(w http.ResponseWriter, r *http.Request) {
	var packet types.Packet
	if err := json.NewDecoder(io.LimitReader(r.Body, maxManifestBytes*2)).Decode(&packet); err != nil {
		WriteBadRequest(w, r, "invalid packet body")
		return
	}
	err := s.ingestor.Ingest(r.Context(), packet)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, aggregator.ErrRateLimited):
		WriteTooManyRequests(w, r, err.Error())
	case errors.Is(err, aggregator.ErrPayloadConflict),
		errors.Is(err, aggregator.ErrSignatureConflict):
		WriteConflict(w, r, err.Error())
	default:
		WriteBadRequest(w, r, err.Error())
	}
}

// testExecuteRequest runs one component with a caller-supplied input.
type testExecuteRequest struct {
	ServiceID  types.ServiceID  `json:"service_id"`
	WorkflowID types.WorkflowID `json:"workflow_id"`
	Input      hexutil.Bytes    `json:"input"`
}

type testExecuteResponse struct {
	Submitted bool          `json:"submitted"`
	Payload   hexutil.Bytes `json:"payload,omitempty"`
}

func (s *Server) handleTestExecute(w http.ResponseWriter, r *http.Request) {
	var req testExecuteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxManifestBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid execute body")
		return
	}
	payload, submitted, err := s.executor(r.Context(), req.ServiceID, req.WorkflowID, req.Input)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, testExecuteResponse{Submitted: submitted, Payload: payload})
}
