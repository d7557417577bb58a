package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
	"github.com/nerrad567/gray-logic-avr/internal/bridge"
)

const (
	// commandSource tags commands that arrive over HTTP.
	commandSource = "api"

	// maxHistoryLimit mirrors the repository cap so bad input fails early.
	maxHistoryLimit = 200

	// cacheReadTimeout bounds the Redis fallback read.
	cacheReadTimeout = 2 * time.Second
)

// State sources reported by GET /avr/state.
const (
	stateSourceLive  = "live"
	stateSourceCache = "cache"
)

// stateResponse is the body of GET /api/v1/avr/state.
type stateResponse struct {
	bridge.StateMessage
	Source string `json:"source"`
}

// updateInputRequest is the body of PATCH /api/v1/avr/inputs/{id}.
type updateInputRequest struct {
	Name   *string `json:"name"`
	Hidden *bool   `json:"hidden"`
}

// handleGetState returns the receiver state. While neither transport is
// reachable the last cached state is served instead, tagged "cache".
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	msg := s.bridge.StateMessage()
	resp := stateResponse{StateMessage: msg, Source: stateSourceLive}

	offline := msg.Connection != avr.StateConnected.String() &&
		msg.WebAvailability != avr.AvailabilityAvailable.String()
	if offline && s.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), cacheReadTimeout)
		cached, found, err := s.cache.Get(ctx, msg.DeviceID)
		cancel()
		switch {
		case err != nil:
			s.logger.Warn("state cache read failed", "device_id", msg.DeviceID, "error", err)
		case found:
			resp.State = cached
			resp.Source = stateSourceCache
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListInputs returns every known input with its visibility.
// ?visible=true omits hidden inputs.
func (s *Server) handleListInputs(w http.ResponseWriter, r *http.Request) {
	inputs := s.bridge.Inputs()

	if v := r.URL.Query().Get("visible"); v != "" {
		visibleOnly, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "visible must be a boolean")
			return
		}
		if visibleOnly {
			filtered := inputs[:0]
			for _, in := range inputs {
				if !in.Hidden {
					filtered = append(filtered, in)
				}
			}
			inputs = filtered
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": s.bridge.DeviceID(),
		"inputs":    inputs,
		"count":     len(inputs),
	})
}

// handleUpdateInput renames an input and/or changes its visibility. Both
// changes run through the bridge command path so they are validated and
// logged exactly like MQTT commands. A rename is asynchronous: the registry
// changes when the receiver echoes the new definition.
func (s *Server) handleUpdateInput(w http.ResponseWriter, r *http.Request) {
	id, err := avr.NormalizeInputID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid input ID")
		return
	}

	var req updateInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == nil && req.Hidden == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "name or hidden is required")
		return
	}

	resp := map[string]any{"id": id}
	status := http.StatusOK

	if req.Hidden != nil {
		ack := s.bridge.Execute(r.Context(), bridge.CommandMessage{
			Command:    bridge.CommandSetInputHidden,
			Parameters: map[string]any{"id": id, "hidden": *req.Hidden},
			Source:     commandSource,
		})
		if ack.Failed() {
			writeJSON(w, ackHTTPStatus(ack), ack)
			return
		}
		resp["hidden"] = *req.Hidden
	}

	if req.Name != nil {
		ack := s.bridge.Execute(r.Context(), bridge.CommandMessage{
			Command:    bridge.CommandRenameInput,
			Parameters: map[string]any{"id": id, "name": *req.Name},
			Source:     commandSource,
		})
		if ack.Failed() {
			writeJSON(w, ackHTTPStatus(ack), ack)
			return
		}
		resp["rename"] = ack
		status = http.StatusAccepted
	}

	for _, in := range s.bridge.Inputs() {
		if in.ID == id {
			resp["input"] = in
			break
		}
	}

	writeJSON(w, status, resp)
}

// handleCommand executes a command using the MQTT command vocabulary.
// The acknowledgment is returned as the body: 202 when accepted or queued,
// an error status when it failed.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd bridge.CommandMessage
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid command: %v", err))
		return
	}
	if cmd.Command == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command is required")
		return
	}
	if cmd.Source == "" {
		cmd.Source = commandSource
	}

	ack := s.bridge.Execute(r.Context(), cmd)
	writeJSON(w, ackHTTPStatus(ack), ack)
}

// handleGetHistory returns recorded state snapshots, newest first.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeServiceUnavailable(w, "state history unavailable")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	deviceID := s.bridge.DeviceID()
	entries, err := s.history.GetHistory(r.Context(), deviceID, limit)
	if err != nil {
		s.logger.Error("failed to load state history", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to load state history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"history":   entries,
		"count":     len(entries),
	})
}

// parseHistoryLimit accepts an empty value (repository default) or 1..200.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		return 0, errors.New("limit must be between 1 and 200")
	}
	return limit, nil
}

// ackHTTPStatus maps a command acknowledgment onto an HTTP status.
func ackHTTPStatus(ack bridge.AckMessage) int {
	if !ack.Failed() || ack.Error == nil {
		return http.StatusAccepted
	}
	switch ack.Error.Code {
	case bridge.ErrCodeInvalidCommand, bridge.ErrCodeInvalidParameters:
		return http.StatusBadRequest
	case bridge.ErrCodeNotConfigured:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
