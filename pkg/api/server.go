package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/helm-treasury/pkg/authz"
	"github.com/Mindburn-Labs/helm-treasury/pkg/service"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

const maxBody = 1 << 20 // 1MB limit

// Server exposes a service.Service over HTTP.
type Server struct {
	svc      *service.Service
	verifier *authz.Verifier
	logger   *slog.Logger
}

// NewServer creates a Server. verifier may be nil, in which case admin
// authority is only established from the relationship graph.
func NewServer(svc *service.Service, verifier *authz.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return &Server{svc: svc, verifier: verifier, logger: logger}
}

// Handler wraps the routes with request IDs, rate limiting and idempotent
// replay. limiter and idem may be nil.
func (s *Server) Handler(limiter *CallerRateLimiter, idem IdempotencyStore) http.Handler {
	var h http.Handler = s.Routes()
	if idem != nil {
		h = IdempotencyMiddleware(idem)(h)
	}
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return RequestID(h)
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/treasuries", s.handleCreate)
	mux.HandleFunc("GET /v1/treasuries/{id}", s.handleGetTreasury)
	mux.HandleFunc("POST /v1/treasuries/{id}/deposit", s.handleDeposit)
	mux.HandleFunc("GET /v1/treasuries/{id}/transfers", s.handleTransfers)

	mux.HandleFunc("GET /v1/treasuries/{id}/proposals", s.handleListProposals)
	mux.HandleFunc("POST /v1/treasuries/{id}/proposals", s.handlePropose)
	mux.HandleFunc("POST /v1/treasuries/{id}/emergency", s.handleProposeEmergency)
	mux.HandleFunc("GET /v1/treasuries/{id}/proposals/{seq}", s.handleGetProposal)
	mux.HandleFunc("POST /v1/treasuries/{id}/proposals/{seq}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/treasuries/{id}/proposals/{seq}/execute", s.handleExecute)

	s.adminRoutes(mux)
	return mux
}

type createRequest struct {
	Name           string             `json:"name"`
	Signers        []treasury.Address `json:"signers"`
	Threshold      uint64             `json:"threshold"`
	TimelockBase   uint64             `json:"timelock_base_ms"`
	TimelockFactor uint64             `json:"timelock_factor"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := s.svc.CreateTreasury(r.Context(), caller, treasury.CreateParams{
		Name:           req.Name,
		Signers:        req.Signers,
		Threshold:      req.Threshold,
		TimelockBase:   req.TimelockBase,
		TimelockFactor: req.TimelockFactor,
	})
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/treasuries/"+created.Treasury.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTreasury(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Treasury(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.Deposit(r.Context(), r.PathValue("id"), req.Amount)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Transfers(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": entries})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Proposals(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*treasury.Proposal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": list})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	s.propose(w, r, s.svc.Propose)
}

func (s *Server) handleProposeEmergency(w http.ResponseWriter, r *http.Request) {
	s.propose(w, r, s.svc.ProposeEmergency)
}

type proposeFunc func(ctx context.Context, caller treasury.Address, treasuryID string, req treasury.ProposalRequest) (*treasury.Proposal, error)

func (s *Server) propose(w http.ResponseWriter, r *http.Request, fn proposeFunc) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req treasury.ProposalRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	p, err := fn(r.Context(), caller, id, req)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", proposalPath(p.ID))
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.svc.Proposal(r.Context(), id, proposalID(r))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	p, err := s.svc.Approve(r.Context(), caller, r.PathValue("id"), proposalID(r))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Execute(r.Context(), caller, r.PathValue("id"), proposalID(r))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// proposalID rebuilds "<treasury-id>/<counter>" from the path.
func proposalID(r *http.Request) string {
	return r.PathValue("id") + "/" + r.PathValue("seq")
}

func proposalPath(id string) string {
	treasuryID, seq, _ := strings.Cut(id, "/")
	return "/v1/treasuries/" + treasuryID + "/proposals/" + seq
}

func requireCaller(w http.ResponseWriter, r *http.Request) (treasury.Address, bool) {
	caller := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if caller == "" {
		WriteUnauthorized(w, "missing "+HeaderCaller+" header")
		return "", false
	}
	return treasury.Address(caller), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := decodeBody(r, v); err != nil {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeBody decodes a strict JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
