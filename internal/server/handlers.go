package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/shoot3rs/fleetstream/internal/apperr"
	"github.com/shoot3rs/fleetstream/internal/auth"
	"github.com/shoot3rs/fleetstream/internal/devices"
	"github.com/shoot3rs/fleetstream/internal/rotation"
	"github.com/shoot3rs/fleetstream/internal/sse"
)

const maxBodyBytes = 64 << 10

type subscriptionRequest struct {
	RequestID string `json:"request_id"`
	DeviceID  int64  `json:"device_id"`
}

type connectRequest struct {
	RequestID       string            `json:"request_id"`
	ConnectionToken string            `json:"connection_token"`
	Origin          string            `json:"origin"`
	Headers         map[string]string `json:"headers"`
}

type disconnectRequest struct {
	ConnectionToken string `json:"connection_token"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) decodeSubscription(r *http.Request) (subscriptionRequest, error) {
	var req subscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		return req, err
	}
	if req.RequestID == "" {
		return req, apperr.Validation("request_id is required")
	}
	if req.DeviceID <= 0 {
		return req, apperr.Validation("device_id must be positive")
	}
	return req, nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeSubscription(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	entityID, err := devices.ResolveEntityID(r.Context(), s.devices, req.DeviceID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	caller := auth.SubjectFromContext(r.Context())
	if err := s.subscriptions.Subscribe(req.RequestID, entityID, caller); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"device_entity_id": entityID})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeSubscription(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	entityID, err := devices.ResolveEntityID(r.Context(), s.devices, req.DeviceID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	caller := auth.SubjectFromContext(r.Context())
	if err := s.subscriptions.Unsubscribe(req.RequestID, entityID, caller); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	source, err := rotation.ParseSource(r.URL.Query().Get("source"))
	if err != nil {
		writeError(w, r, s.logger, apperr.Validation("%v", err))
		return
	}

	s.nudger.Nudge(r.Context(), source)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if req.RequestID == "" || req.ConnectionToken == "" {
		writeError(w, r, s.logger, apperr.Validation("request_id and connection_token are required"))
		return
	}

	s.connections.OnConnect(r.Context(), sse.ConnectEvent{
		RequestID: req.RequestID,
		Token:     req.ConnectionToken,
		Origin:    req.Origin,
		Headers:   req.Headers,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if req.ConnectionToken == "" {
		writeError(w, r, s.logger, apperr.Validation("connection_token is required"))
		return
	}

	s.connections.OnDisconnect(r.Context(), req.ConnectionToken)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, r, s.logger, apperr.Authentication("authentication is not enabled"))
		return
	}
	writeJSON(w, http.StatusOK, ac)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"connections":   s.connections.Count(),
		"subscriptions": s.subscriptions.SubscriptionCount(),
		"uptime":        int64(time.Since(s.startTime).Seconds()),
		"oidc_enabled":  s.validator.Enabled(),
	})
}
