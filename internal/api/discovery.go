package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/shellyhttp"
	"github.com/nerrad567/gray-logic-shellybridge/internal/composer"
	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/discovery"
)

// addCandidateRequest is the body of POST /discovery.
type addCandidateRequest struct {
	Address string `json:"address"`
}

// handleAddCandidate adds a device by address.
//
// Responses:
//   - 201 with the device when it was identified and composed now
//   - 200 with the device when it was already known
//   - 202 when it was queued because it could not be composed yet
//   - 400 when the address is invalid or the device is not supported
func (s *Server) handleAddCandidate(w http.ResponseWriter, r *http.Request) {
	var req addCandidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	address := strings.TrimSpace(req.Address)
	if !validAddress(address) {
		writeBadRequest(w, "address must be an IP address or host name")
		return
	}

	known := s.knownAddress(address)

	dev, err := s.gateway.AddCandidate(r.Context(), discovery.Candidate{
		Address: address,
		Source:  discovery.SourceManual,
	})
	if err != nil {
		switch {
		case errors.Is(err, shellyhttp.ErrNotShelly),
			errors.Is(err, composer.ErrUnknownHardware),
			errors.Is(err, device.ErrInvalidDevice):
			writeValidationError(w, err)
		default:
			// Everything else is retried in the background.
			s.logger.Info("manual candidate queued", "address", address, "reason", err)
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status":  "pending",
				"address": address,
				"reason":  err.Error(),
			})
		}
		return
	}

	status := http.StatusCreated
	if known {
		status = http.StatusOK
	}
	writeJSON(w, status, dev)
}

// handleDiscoveryStatus reports how many candidates are waiting to resolve.
func (s *Server) handleDiscoveryStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.gateway.PendingCount(),
		"devices": len(s.engine.List()),
	})
}

func (s *Server) knownAddress(address string) bool {
	for _, dev := range s.engine.List() {
		if dev.Address == address {
			return true
		}
	}
	return false
}

// validAddress accepts IP literals and DNS-style host names.
func validAddress(address string) bool {
	if address == "" || len(address) > maxQueryParamLen {
		return false
	}
	if net.ParseIP(address) != nil {
		return true
	}
	for _, label := range strings.Split(address, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, c := range label {
			ok := c == '-' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
			if !ok {
				return false
			}
		}
	}
	return true
}
