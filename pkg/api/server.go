// Package api serves the preconfirmation JSON-RPC endpoint, fallback payload
// retrieval, status and metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/preconfoor/pkg/constraints"
	"github.com/ethpandaops/preconfoor/pkg/fallback"
	"github.com/ethpandaops/preconfoor/pkg/gateway"
)

// CommitmentHandler accepts preconfirmation requests.
type CommitmentHandler interface {
	HandleCommitmentRequest(ctx context.Context, req *constraints.PreconfRequest) (*gateway.CommitmentResponse, error)
}

// PayloadFetcher serves the fallback payload of a slot, nil when absent.
type PayloadFetcher interface {
	FetchPayload(ctx context.Context, slot phase0.Slot) (*fallback.CachedPayload, error)
}

// Status is the static description served on /status.
type Status struct {
	Chain            string `json:"chain"`
	ChainID          uint64 `json:"chain_id"`
	Pubkey           string `json:"pubkey"`
	ValidatorIndexes string `json:"validator_indexes"`
	Version          string `json:"version"`
}

// Server is the HTTP API server.
type Server struct {
	port      int
	payloads  PayloadFetcher
	status    *Status
	log       logrus.FieldLogger
	rpcServer *rpc.Server
	server    *http.Server
	router    *mux.Router
}

// NewServer creates a new API server. Requests carry transactions of chainID.
func NewServer(
	port int,
	chainID uint64,
	handler CommitmentHandler,
	payloads PayloadFetcher,
	status *Status,
	log logrus.FieldLogger,
) (*Server, error) {
	s := &Server{
		port:     port,
		payloads: payloads,
		status:   status,
		log:      log.WithField("component", "api"),
		router:   mux.NewRouter(),
	}

	rpcServer, err := newRPCServer(new(big.Int).SetUint64(chainID), handler, s.log)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s namespace: %w", Namespace, err)
	}

	s.rpcServer = rpcServer

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Handle("/", s.rpcServer).Methods(http.MethodPost)
	s.router.HandleFunc("/fallback/v1/payload/{slot:[0-9]+}", s.handleFallbackPayload).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.WithField("addr", addr).Info("Starting API server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("API server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.rpcServer.Stop()

	if s.server == nil {
		return nil
	}

	s.log.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleFallbackPayload handles GET /fallback/v1/payload/{slot}.
// Returns 204 when no payload was built for the slot.
func (s *Server) handleFallbackPayload(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.ParseUint(mux.Vars(r)["slot"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slot")
		return
	}

	payload, err := s.payloads.FetchPayload(r.Context(), phase0.Slot(slot))
	if err != nil {
		s.log.WithError(err).WithField("slot", slot).Warn("Failed to fetch fallback payload")

		status := http.StatusInternalServerError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}

		writeError(w, status, err.Error())

		return
	}

	if payload == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, payload)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"code":    status,
		"message": msg,
	})
}
