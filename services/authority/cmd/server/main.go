package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowlane/pkg/capability"
	"escrowlane/pkg/config"
	"escrowlane/pkg/db"
	"escrowlane/pkg/httpx"
	"escrowlane/pkg/logx"
	"escrowlane/pkg/money"
	"escrowlane/pkg/signature"
	"escrowlane/services/authority/internal/authority"
	"escrowlane/services/authority/internal/store"
)

func main() {
	cfg := config.MustLoad()
	log := logx.New("authority", cfg.LogLevel)

	pool := db.MustConnect(cfg.DatabaseURL)
	st := store.New(pool)
	if err := st.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	auth := authority.New(st, cfg.OwnerIdentity, log)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/authority", func(api chi.Router) {

		api.Post("/capabilities", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Payload  capability.RegistrationPayload `json:"payload"`
				Envelope signature.Envelope            `json:"envelope"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			grant, err := auth.Register(r.Context(), req.Payload, req.Envelope)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, capabilityView(grant))
		})

		api.Post("/capabilities/{capability_id}:revoke", func(w http.ResponseWriter, r *http.Request) {
			capabilityID := chi.URLParam(r, "capability_id")
			var req struct {
				Payload  capability.RevocationPayload `json:"payload"`
				Envelope signature.Envelope          `json:"envelope"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if req.Payload.CapabilityID != capabilityID {
				httpx.WriteError(w, 400, "VALIDATION", "payload capability_id does not match path", nil)
				return
			}
			grant, err := auth.Revoke(r.Context(), req.Payload, req.Envelope)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, capabilityView(grant))
		})

		api.Get("/capabilities/{capability_id}", func(w http.ResponseWriter, r *http.Request) {
			grant, found, err := auth.GetCapability(r.Context(), chi.URLParam(r, "capability_id"))
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			if !found {
				httpx.WriteError(w, 404, "NOT_FOUND", "no such capability", nil)
				return
			}
			httpx.WriteJSON(w, 200, capabilityView(grant))
		})

		api.Post("/operations:validate", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Signer    string `json:"signer"`
				Target    string `json:"target"`
				Operation string `json:"operation"`
				Amount    int64  `json:"amount"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			d, err := auth.Validate(r.Context(), req.Signer, req.Target, req.Operation, req.Amount)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":    httpx.NewRequestID(),
				"valid":         d.Valid,
				"reason":        d.Reason,
				"capability_id": d.CapabilityID,
			})
		})

		api.Post("/charges", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Signer    string `json:"signer"`
				Target    string `json:"target"`
				Operation string `json:"operation"`
				Amount    string `json:"amount"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			var minor int64
			if req.Amount != "" {
				var err error
				minor, err = money.ParseAmount(req.Amount)
				if err != nil {
					httpx.WriteFault(w, err)
					return
				}
			}
			u, err := auth.Charge(r.Context(), req.Signer, req.Target, req.Operation, minor)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.NewRequestID(),
				"usage": map[string]any{
					"usage_id":      u.UsageID,
					"capability_id": u.CapabilityID,
					"signer":        u.Signer,
					"target":        u.Target,
					"operation":     u.Operation,
					"amount":        money.FormatAmount(u.Amount),
					"charged_at":    u.ChargedAt,
				},
			})
		})

		api.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			entityID := r.URL.Query().Get("entity_id")
			if entityID == "" {
				httpx.WriteError(w, 400, "VALIDATION", "entity_id is required", nil)
				return
			}
			events, err := auth.ListEvents(r.Context(), entityID)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "events": events})
		})
	})

	log.Info().Str("port", cfg.ServicePort).Msg("authority listening")
	if err := http.ListenAndServe(":"+cfg.ServicePort, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// capabilityView renders a capability with the budget fields formatted back
// to decimal strings.
func capabilityView(c authority.Capability) map[string]any {
	return map[string]any{
		"request_id": httpx.NewRequestID(),
		"capability": map[string]any{
			"capability_id":     c.CapabilityID,
			"owner":             c.Owner,
			"delegate":          c.Delegate,
			"target":            c.Target,
			"operations":        c.Operations,
			"max_per_operation": money.FormatAmount(c.MaxPerOperation),
			"max_cumulative":    money.FormatAmount(c.MaxCumulative),
			"spent_so_far":      money.FormatAmount(c.SpentSoFar),
			"expires_at":        c.ExpiresAt,
			"registered_at":     c.RegisteredAt,
			"active":            c.Active,
			"revoked_at":        c.RevokedAt,
		},
	}
}
