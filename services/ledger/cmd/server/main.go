package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"escrowlane/pkg/config"
	"escrowlane/pkg/db"
	"escrowlane/pkg/httpx"
	"escrowlane/pkg/logx"
	"escrowlane/pkg/money"
	"escrowlane/services/ledger/internal/authorityclient"
	"escrowlane/services/ledger/internal/custodian"
	"escrowlane/services/ledger/internal/ledger"
	"escrowlane/services/ledger/internal/store"
)

func main() {
	cfg := config.MustLoad()
	log := logx.New("ledger", cfg.LogLevel)

	pool := db.MustConnect(cfg.DatabaseURL)
	st := store.New(pool)
	if err := st.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	cust := custodian.New(cfg.CustodianBaseURL)
	auth := authorityclient.New(cfg.AuthorityBaseURL)
	led := ledger.New(st, cust, auth, cfg.OwnerIdentity, log)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/ledger", func(api chi.Router) {

		api.Post("/milestones/{milestone_id}/commitments", func(w http.ResponseWriter, r *http.Request) {
			milestoneID := chi.URLParam(r, "milestone_id")
			var req struct {
				Signer    string `json:"signer"`
				ProjectID string `json:"project_id"`
				Root      string `json:"root"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			c, err := led.CommitRoot(r.Context(), req.Signer, req.ProjectID, milestoneID, req.Root)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "commitment": c})
		})

		api.Get("/milestones/{milestone_id}/commitment", func(w http.ResponseWriter, r *http.Request) {
			milestoneID := chi.URLParam(r, "milestone_id")
			projectID := r.URL.Query().Get("project_id")
			c, found, err := led.CurrentCommitment(r.Context(), projectID, milestoneID)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			if !found {
				httpx.WriteError(w, 404, "NOT_FOUND", "no commitment for milestone", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "commitment": c})
		})

		api.Post("/payouts", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				RequestID      string   `json:"request_id"`
				ProjectID      string   `json:"project_id"`
				MilestoneID    string   `json:"milestone_id"`
				SubmilestoneID string   `json:"submilestone_id"`
				Contributor    string   `json:"contributor"`
				Amount         string   `json:"amount"`
				Proof          []string `json:"proof"`
				ExternalRef    string   `json:"external_ref"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			minor, err := money.ParseAmount(req.Amount)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			if req.RequestID == "" {
				req.RequestID = "pay_" + uuid.NewString()
			}
			admitted, err := led.RequestPayout(r.Context(), ledger.PayoutRequest{
				RequestID:      req.RequestID,
				ProjectID:      req.ProjectID,
				MilestoneID:    req.MilestoneID,
				SubmilestoneID: req.SubmilestoneID,
				Contributor:    req.Contributor,
				Amount:         minor,
				Proof:          req.Proof,
				ExternalRef:    req.ExternalRef,
			})
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, payoutView(admitted))
		})

		api.Get("/payouts/{request_id}", func(w http.ResponseWriter, r *http.Request) {
			pr, found, err := led.GetRequest(r.Context(), chi.URLParam(r, "request_id"))
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			if !found {
				httpx.WriteError(w, 404, "NOT_FOUND", "no such payout request", nil)
				return
			}
			httpx.WriteJSON(w, 200, payoutView(pr))
		})

		api.Post("/payouts/{request_id}:decide", func(w http.ResponseWriter, r *http.Request) {
			requestID := chi.URLParam(r, "request_id")
			var req struct {
				Verifier string `json:"verifier"`
				Approved bool   `json:"approved"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			pr, err := led.DecidePayout(r.Context(), requestID, req.Approved, req.Verifier)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, payoutView(pr))
		})

		api.Post("/payouts:batchDecide", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Verifier string `json:"verifier"`
				Items    []struct {
					RequestID string `json:"request_id"`
					Approved  bool   `json:"approved"`
				} `json:"items"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			ids := make([]string, len(req.Items))
			approvals := make([]bool, len(req.Items))
			for i, it := range req.Items {
				ids[i] = it.RequestID
				approvals[i] = it.Approved
			}
			items, err := led.BatchDecide(r.Context(), ids, approvals, req.Verifier)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "items": items})
		})

		api.Post("/verifiers", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Signer   string `json:"signer"`
				Identity string `json:"identity"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := led.AddVerifier(r.Context(), req.Signer, req.Identity); err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "identity": req.Identity, "active": true})
		})

		api.Post("/verifiers/{identity}:remove", func(w http.ResponseWriter, r *http.Request) {
			identity := chi.URLParam(r, "identity")
			var req struct {
				Signer string `json:"signer"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := led.RemoveVerifier(r.Context(), req.Signer, identity); err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "identity": identity, "active": false})
		})

		api.Get("/verifiers/{identity}", func(w http.ResponseWriter, r *http.Request) {
			identity := chi.URLParam(r, "identity")
			active, err := led.IsVerifier(r.Context(), identity)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "identity": identity, "active": active})
		})

		api.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			entityID := r.URL.Query().Get("entity_id")
			if entityID == "" {
				httpx.WriteError(w, 400, "VALIDATION", "entity_id is required", nil)
				return
			}
			events, err := led.ListEvents(r.Context(), entityID)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "events": events})
		})
	})

	log.Info().Str("port", cfg.ServicePort).Msg("ledger listening")
	if err := http.ListenAndServe(":"+cfg.ServicePort, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// payoutView renders a payout request with the amount formatted back to a
// decimal string.
func payoutView(pr ledger.PayoutRequest) map[string]any {
	return map[string]any{
		"request_id": httpx.NewRequestID(),
		"payout": map[string]any{
			"request_id":      pr.RequestID,
			"project_id":      pr.ProjectID,
			"milestone_id":    pr.MilestoneID,
			"submilestone_id": pr.SubmilestoneID,
			"contributor":     pr.Contributor,
			"amount":          money.FormatAmount(pr.Amount),
			"external_ref":    pr.ExternalRef,
			"status":          pr.Status(),
			"transfer_ref":    pr.TransferRef,
			"requested_at":    pr.RequestedAt,
			"processed_at":    pr.ProcessedAt,
		},
	}
}
