package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"payday/escrow"
	"payday/webhook"
)

// providerEvent is the normalized shape of inbound provider notifications.
type providerEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Metadata  struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	} `json:"data"`
}

// ProviderWebhook receives signed notifications from the payment provider.
// Deliveries are authenticated by HMAC, bounded to a timestamp window, and
// deduplicated by nonce before any state changes.
func (s *Server) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	err = s.webhooks.Verify(r.Context(), name,
		r.Header.Get(webhook.HeaderSignature),
		r.Header.Get(webhook.HeaderTimestamp),
		r.Header.Get(webhook.HeaderNonce),
		body,
	)
	switch {
	case errors.Is(err, webhook.ErrReplay):
		// Acknowledge replays so the provider stops retrying.
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	case err != nil:
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	var event providerEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	switch event.Event {
	case "charge.success":
		userID, err := uuid.Parse(event.Data.Metadata.UserID)
		if err != nil {
			s.logger.Warn("webhook charge without user metadata",
				slog.String("reference", event.Data.Reference),
			)
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		_, err = s.escrow.VerifyDeposit(r.Context(), userID, event.Data.Reference)
		if err != nil && !errors.Is(err, escrow.ErrAlreadyProcessed) {
			s.writeError(w, err)
			return
		}
	case "transfer.failed", "transfer.reversed":
		_, err := s.escrow.ReverseWithdrawal(r.Context(), event.Data.Reference)
		if err != nil && !errors.Is(err, escrow.ErrAlreadyProcessed) {
			s.writeError(w, err)
			return
		}
	case "transfer.success":
		s.logger.Info("transfer settled",
			slog.String("provider", name),
			slog.String("reference", event.Data.Reference),
		)
	default:
		s.logger.Info("unhandled webhook event",
			slog.String("provider", name),
			slog.String("event", event.Event),
		)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
