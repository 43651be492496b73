package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

type adminFunc func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error)

func (s *Server) adminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/treasuries/{id}/signers", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		var req addressRequest
		if err := decodeStrict(r, &req); err != nil {
			return nil, err
		}
		return s.svc.AddSigner(ctx, auth, r.PathValue("id"), req.Address)
	}))
	mux.HandleFunc("DELETE /v1/treasuries/{id}/signers/{addr}", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		return s.svc.RemoveSigner(ctx, auth, r.PathValue("id"), treasury.Address(r.PathValue("addr")))
	}))
	mux.HandleFunc("PUT /v1/treasuries/{id}/threshold", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		var req thresholdRequest
		if err := decodeStrict(r, &req); err != nil {
			return nil, err
		}
		return s.svc.UpdateThreshold(ctx, auth, r.PathValue("id"), req.Threshold)
	}))
	mux.HandleFunc("PUT /v1/treasuries/{id}/limits/global", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		var limit treasury.SpendingLimit
		if err := decodeStrict(r, &limit); err != nil {
			return nil, err
		}
		return s.svc.SetGlobalLimit(ctx, auth, r.PathValue("id"), limit)
	}))
	mux.HandleFunc("PUT /v1/treasuries/{id}/limits/categories/{category}", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		var limit treasury.SpendingLimit
		if err := decodeStrict(r, &limit); err != nil {
			return nil, err
		}
		return s.svc.SetCategoryLimit(ctx, auth, r.PathValue("id"), r.PathValue("category"), limit)
	}))
	mux.HandleFunc("POST /v1/treasuries/{id}/whitelist", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		var req addressRequest
		if err := decodeStrict(r, &req); err != nil {
			return nil, err
		}
		return s.svc.AddWhitelist(ctx, auth, r.PathValue("id"), req.Address)
	}))
	mux.HandleFunc("DELETE /v1/treasuries/{id}/whitelist/{addr}", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		return s.svc.RemoveWhitelist(ctx, auth, r.PathValue("id"), treasury.Address(r.PathValue("addr")))
	}))
	mux.HandleFunc("POST /v1/treasuries/{id}/blacklist", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		var req addressRequest
		if err := decodeStrict(r, &req); err != nil {
			return nil, err
		}
		return s.svc.AddBlacklist(ctx, auth, r.PathValue("id"), req.Address)
	}))
	mux.HandleFunc("POST /v1/treasuries/{id}/tiers", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		var tier treasury.AmountThreshold
		if err := decodeStrict(r, &tier); err != nil {
			return nil, err
		}
		return s.svc.AddAmountThreshold(ctx, auth, r.PathValue("id"), tier)
	}))
	mux.HandleFunc("PUT /v1/treasuries/{id}/emergency/signers", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		var req signersRequest
		if err := decodeStrict(r, &req); err != nil {
			return nil, err
		}
		return s.svc.SetEmergencySigners(ctx, auth, r.PathValue("id"), req.Signers)
	}))
	mux.HandleFunc("PUT /v1/treasuries/{id}/emergency/threshold", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		var req thresholdRequest
		if err := decodeStrict(r, &req); err != nil {
			return nil, err
		}
		return s.svc.SetEmergencyThreshold(ctx, auth, r.PathValue("id"), req.Threshold)
	}))
	mux.HandleFunc("POST /v1/treasuries/{id}/freeze", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		return s.svc.Freeze(ctx, auth, r.PathValue("id"))
	}))
	mux.HandleFunc("POST /v1/treasuries/{id}/unfreeze", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		return s.svc.Unfreeze(ctx, auth, r.PathValue("id"))
	}))
	mux.HandleFunc("POST /v1/treasuries/{id}/admins", s.admin(func(ctx context.Context, auth treasury.AdminAuthorization, r *http.Request) (*treasury.Treasury, error) {
		var req addressRequest
		if err := decodeStrict(r, &req); err != nil {
			return nil, err
		}
		id := r.PathValue("id")
		if err := s.svc.GrantAdmin(ctx, auth, id, req.Address); err != nil {
			return nil, err
		}
		return s.svc.Treasury(ctx, id)
	}))
}

type addressRequest struct {
	Address treasury.Address `json:"address"`
}

type thresholdRequest struct {
	Threshold uint64 `json:"threshold"`
}

type signersRequest struct {
	Signers []treasury.Address `json:"signers"`
}

// badRequest marks body decoding failures.
type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }

func decodeStrict(r *http.Request, v any) error {
	if err := decodeBody(r, v); err != nil {
		return badRequest{err}
	}
	return nil
}

// admin resolves admin authority for the path treasury, then runs fn.
// A bearer capability token takes precedence over the relationship graph.
func (s *Server) admin(fn adminFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		auth, err := s.authorize(r, id)
		if err != nil {
			WriteServiceError(w, r, err)
			return
		}
		if auth == nil {
			WriteUnauthorized(w, "admin operations need a bearer capability or "+HeaderCaller)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		t, err := fn(r.Context(), auth, r)
		if err != nil {
			if br, ok := err.(badRequest); ok {
				WriteBadRequest(w, "Invalid request body: "+br.Error())
				return
			}
			WriteServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) authorize(r *http.Request, treasuryID string) (treasury.AdminAuthorization, error) {
	if h := r.Header.Get("Authorization"); h != "" && s.verifier != nil {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if ok {
			cp, err := s.verifier.Verify(strings.TrimSpace(token), treasuryID)
			if err != nil {
				return nil, err
			}
			return cp, nil
		}
	}
	if caller := strings.TrimSpace(r.Header.Get(HeaderCaller)); caller != "" {
		cp, err := s.svc.AuthorizeAdmin(r.Context(), treasuryID, treasury.Address(caller))
		if err != nil {
			return nil, err
		}
		return cp, nil
	}
	return nil, nil
}
