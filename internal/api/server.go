// Package api is a running node's local command endpoint. Writes submitted
// here go through the node's database, and so through raft when the node
// replicates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dimfeld/httptreemux/v5"
	"github.com/p2wdb/p2wdb/internal/consensus"
	"github.com/p2wdb/p2wdb/internal/logdb"
)

const maxRequestSize = 1 << 20

type Database interface {
	Put(ctx context.Context, key string, value logdb.Value) (string, error)
	Get(key string) (*logdb.Value, bool, error)
	Iterator(amount int) *logdb.Iterator
}

type Membership interface {
	AddPeer(id, addr string) error
	RemovePeer(id string) error
}

type PutRequest struct {
	TxID      string `json:"txid"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Data      string `json:"data"`
}

type PutResponse struct {
	TxID string `json:"txid"`
	Hash string `json:"hash"`
}

type PeerRequest struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	db      Database
	members Membership
	logger  *slog.Logger
	srv     *http.Server
}

// NewServer serves db. members is nil when the node runs without raft.
func NewServer(db Database, members Membership, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		db:      db,
		members: members,
		logger:  logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := httptreemux.NewContextMux()

	mux.POST("/entries", s.handlePut)
	mux.GET("/entries", s.handleList)
	mux.GET("/entries/:txid", s.handleGet)
	mux.POST("/peers", s.handleAddPeer)
	mux.DELETE("/peers/:id", s.handleRemovePeer)

	return mux
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req PutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TxID == "" {
		writeError(w, http.StatusBadRequest, "txid is required")
		return
	}

	hash, err := s.db.Put(r.Context(), req.TxID, logdb.Value{
		Message:   req.Message,
		Signature: req.Signature,
		Data:      req.Data,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, PutResponse{TxID: req.TxID, Hash: hash})
	case errors.Is(err, logdb.ErrInsufficientBurn):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, consensus.ErrNotLeader):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Failed to append entry", "txid", req.TxID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	txid := httptreemux.ContextParams(r.Context())["txid"]

	value, found, err := s.db.Get(txid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no entry for "+txid)
		return
	}

	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	items := make([]logdb.Item, 0)
	it := s.db.Iterator(limit)
	for it.Next() {
		items = append(items, it.Item())
	}
	if err := it.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	if s.members == nil {
		writeError(w, http.StatusNotImplemented, "node is not replicating")
		return
	}

	var req PeerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ID == "" || req.Addr == "" {
		writeError(w, http.StatusBadRequest, "id and addr are required")
		return
	}

	if err := s.members.AddPeer(req.ID, req.Addr); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Peer added", "id", req.ID, "addr", req.Addr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	if s.members == nil {
		writeError(w, http.StatusNotImplemented, "node is not replicating")
		return
	}

	id := httptreemux.ContextParams(r.Context())["id"]
	if err := s.members.RemovePeer(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Peer removed", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
