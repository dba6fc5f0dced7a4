package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fathomlabs/hookrelay/internal/apperrors"
	"github.com/fathomlabs/hookrelay/internal/dispatch"
	"github.com/fathomlabs/hookrelay/internal/partner"
	"github.com/fathomlabs/hookrelay/internal/receiver"
)

// Inbound webhook headers.
const (
	headerPartnerID = "X-Partner-Id"
	headerSignature = "X-Webhook-Signature"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.dispatches.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to compute dispatch counts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute dispatch counts")
		return
	}

	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Dispatches:    byStatus,
	})
}

// handleReceive handles POST /webhooks/receive. Partner id and signature
// come from headers; any body signature field is overwritten by the header
// value before verification.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.PartnerID = r.Header.Get(headerPartnerID)
	req.Signature = r.Header.Get(headerSignature)
	s.receive(w, r, req)
}

// handleReceiveBody handles POST /webhooks/receive-body, for clients unable
// to set custom headers. Partner id and signature travel in the body.
func (s *Server) handleReceiveBody(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.receive(w, r, req)
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request, req ReceiveRequest) {
	ack, err := s.receiver.Receive(r.Context(), receiver.Request{
		PartnerID:     req.PartnerID,
		Signature:     req.Signature,
		EventType:     req.EventType,
		TransactionID: req.TransactionID,
		Payload:       req.Payload,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ReceiveResponse{
		Success:    true,
		Message:    "webhook received",
		ReceivedAt: ack.ProcessedAt,
		EventID:    ack.EventID,
	})
}

// handleDispatchEvent handles POST /admin/events: fan-out of one business
// event to every subscribed partner. Delivery happens asynchronously; the
// 202 acknowledges ledger record creation, not delivery.
func (s *Server) handleDispatchEvent(w http.ResponseWriter, r *http.Request) {
	var req DispatchEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.dispatcher.DispatchEvent(r.Context(), dispatch.Event{
		Type:          req.Type,
		TransactionID: req.TransactionID,
		Payload:       req.Payload,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	s.logger.Info("event accepted for dispatch via API", "event_type", req.Type)
	respondJSON(w, http.StatusAccepted, DispatchEventResponse{Accepted: true, Type: req.Type})
}

// handleRegisterPartner handles POST /admin/partners. The response is the
// only place the generated shared secret ever appears.
func (s *Server) handleRegisterPartner(w http.ResponseWriter, r *http.Request) {
	var req RegisterPartnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, err := s.partners.Register(r.Context(), req.Name, req.DestinationURL, req.SubscribedEvents)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	s.logger.Info("partner registered via API", "partner_id", p.ID, "name", p.Name)
	respondJSON(w, http.StatusCreated, RegisterPartnerResponse{
		Partner:      p,
		SharedSecret: p.SharedSecret,
	})
}

// handleListPartners handles GET /admin/partners.
func (s *Server) handleListPartners(w http.ResponseWriter, r *http.Request) {
	partners, err := s.partners.ListActive(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, PartnerListResponse{Partners: partners})
}

// handleGetPartner handles GET /admin/partners/{partnerID}.
func (s *Server) handleGetPartner(w http.ResponseWriter, r *http.Request) {
	p, err := s.partners.GetByID(r.Context(), chi.URLParam(r, "partnerID"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleUpdatePartner handles PATCH /admin/partners/{partnerID}. Name,
// destination URL and subscriptions only; the secret is immutable.
func (s *Server) handleUpdatePartner(w http.ResponseWriter, r *http.Request) {
	var params partner.UpdateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, err := s.partners.Update(r.Context(), chi.URLParam(r, "partnerID"), params)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleDeactivatePartner handles DELETE /admin/partners/{partnerID}.
// Partners are never hard-deleted; this deactivates.
func (s *Server) handleDeactivatePartner(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerID")
	if err := s.partners.Deactivate(r.Context(), partnerID); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.logger.Info("partner deactivated via API", "partner_id", partnerID)
	w.WriteHeader(http.StatusNoContent)
}

// handleDispatchHistory handles GET /admin/partners/{partnerID}/dispatches.
func (s *Server) handleDispatchHistory(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerID")
	if _, err := s.partners.GetByID(r.Context(), partnerID); err != nil {
		s.writeAppError(w, err)
		return
	}

	records, err := s.dispatches.History(r.Context(), partnerID, queryLimit(r))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, DispatchListResponse{Dispatches: records})
}

// handleListExhausted handles GET /admin/dispatches/exhausted, the
// dead-letter view for operator tooling.
func (s *Server) handleListExhausted(w http.ResponseWriter, r *http.Request) {
	records, err := s.dispatches.ListExhausted(r.Context(), queryLimit(r))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, DispatchListResponse{Dispatches: records})
}

// handleResendDispatch handles POST /admin/dispatches/{dispatchID}/resend.
// Re-arms a single exhausted record with a fresh attempt budget; the next
// sweep picks it up.
func (s *Server) handleResendDispatch(w http.ResponseWriter, r *http.Request) {
	dispatchID := chi.URLParam(r, "dispatchID")
	rec, err := s.dispatches.Rearm(r.Context(), dispatchID, dispatch.DefaultMaxAttempts)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	s.logger.Info("exhausted dispatch re-armed via API", "dispatch_id", dispatchID)
	respondJSON(w, http.StatusOK, ResendResponse{Dispatch: rec})
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0 // callee default
	}
	return limit
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeAppError maps a taxonomy error to its HTTP status. Unexpected errors
// are logged and returned as opaque 500s.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status == http.StatusInternalServerError && !errors.Is(err, apperrors.ErrInternal) {
		s.logger.Error("unexpected error handling request", "error", err)
		s.writeError(w, status, "internal error")
		return
	}
	s.writeError(w, status, err.Error())
}
