package serve

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/authpool"
	"github.com/Dicklesworthstone/caam/internal/output"
	"github.com/Dicklesworthstone/caam/internal/quota"
)

func (s *Server) registerAccountRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", s.handleListAll)
		r.Get("/status", s.handleStatus)
		r.Route("/{mode}", func(r chi.Router) {
			r.Get("/", s.handleListMode)
			r.Post("/rotate", s.handleRotate)
			r.Post("/cooldown", s.handleCooldown)
		})
	})
}

func (s *Server) usageByKey() map[string]*quota.Snapshot {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.All()
}

func (s *Server) handleListAll(w http.ResponseWriter, r *http.Request) {
	doc := s.document()
	now := time.Now()
	usage := s.usageByKey()

	modes := make(map[string][]output.Account, len(doc.Modes))
	for mode, dom := range doc.Modes {
		modes[mode] = output.AccountsFor(mode, dom, now, usage)
	}
	writeSuccessResponse(w, r, http.StatusOK, map[string]any{"modes": modes})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := s.document()
	now := time.Now()
	usage := s.usageByKey()

	report := output.StatusReport{
		GeneratedAt: now.UTC(),
		Modes:       make(map[string][]output.Account, len(doc.Modes)),
	}
	for mode, dom := range doc.Modes {
		report.Modes[mode] = output.AccountsFor(mode, dom, now, usage)
	}
	writeSuccessResponse(w, r, http.StatusOK, report)
}

func (s *Server) handleListMode(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")
	doc := s.document()
	dom := account.GetDomain(&doc, mode)
	if dom == nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown mode: "+mode, "")
		return
	}
	writeSuccessResponse(w, r, http.StatusOK, map[string]any{
		"mode":     mode,
		"accounts": output.AccountsFor(mode, dom, time.Now(), s.usageByKey()),
	})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")

	out, err := s.pool.RotateNext(mode)
	if err != nil {
		status := http.StatusConflict
		code := ErrCodeAuthFailure
		remediation := ""
		var ae *authpool.AuthError
		if errors.As(err, &ae) {
			remediation = ae.Remediation()
			if ae.Kind == authpool.KindNoAccountsConfigured {
				status = http.StatusNotFound
				code = ErrCodeNotFound
			}
		} else {
			status = http.StatusInternalServerError
			code = ErrCodeInternalError
		}
		writeErrorResponse(w, r, status, code, err.Error(), remediation)
		return
	}

	s.invalidate()
	writeSuccessResponse(w, r, http.StatusOK, output.SwitchResult{
		Success:           true,
		Provider:          mode,
		PreviousAccount:   out.Previous,
		NewAccount:        out.New,
		AccountsRemaining: out.Remaining,
	})
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")

	var body struct {
		IdentityKey string `json:"identity_key"`
		Seconds     int    `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body", "")
		return
	}
	if body.IdentityKey == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "identity_key is required", "")
		return
	}
	if body.Seconds <= 0 {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "seconds must be positive", "")
		return
	}

	doc := s.document()
	dom := account.GetDomain(&doc, mode)
	if dom == nil || dom.FindByIdentityKey(body.IdentityKey) < 0 {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown account: "+body.IdentityKey, "")
		return
	}

	until := time.Now().Add(time.Duration(body.Seconds) * time.Second)
	if err := s.pool.SetCooldown(mode, body.IdentityKey, until); err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), "")
		return
	}

	s.invalidate()
	writeSuccessResponse(w, r, http.StatusOK, map[string]any{
		"mode":           mode,
		"identity_key":   body.IdentityKey,
		"cooldown_until": until.UTC(),
	})
}
