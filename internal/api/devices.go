package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/gateway"
)

// maxQueryParamLen bounds identifiers taken from the URL.
const maxQueryParamLen = 100

// handleListDevices returns all devices, with optional query filters.
//
// Query parameters:
//   - type: filter by hardware type (SHSW-25, SHHT-1, ...)
//   - kind: only devices that have a unit of this kind
//   - available: "true" or "false"
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hwType := q.Get("type")
	kind := device.Kind(q.Get("kind"))
	available := q.Get("available")
	if available != "" && available != "true" && available != "false" {
		writeBadRequest(w, "available must be true or false")
		return
	}

	devices := make([]device.Device, 0)
	for _, dev := range s.engine.List() {
		if hwType != "" && dev.Type != hwType {
			continue
		}
		if kind != "" && len(dev.UnitsOfKind(kind)) == 0 {
			continue
		}
		if available != "" && dev.Available != (available == "true") {
			continue
		}
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	dev, err := s.engine.Get(id)
	if err != nil {
		writeDomainError(w, err, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleDeleteDevice removes a device from the bridge and its store.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	if err := s.gateway.RemoveDevice(r.Context(), id); err != nil {
		if !writeDomainError(w, err, "failed to remove device") {
			s.logger.Error("removing device failed", "device_id", id, "error", err)
		}
		return
	}

	s.logger.Info("device removed", "device_id", id, "by", subjectFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleUnitCommand sends a command to one unit of a device.
//
// The body is {"action":"set_state|set_level|move|update_firmware",
// "on":bool, "level":n, "direction":"open|close|stop", "position":n}.
// update_firmware is sent to the info unit. The response lists the
// transports the command went out on.
func (s *Server) handleUnitCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}
	unitID := chi.URLParam(r, "unit")
	if unitID == "" || len(unitID) > maxQueryParamLen {
		writeBadRequest(w, "invalid unit ID")
		return
	}

	var cmd gateway.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if cmd.Action == "" {
		writeBadRequest(w, "action is required")
		return
	}

	sent, err := s.gateway.Execute(r.Context(), id, unitID, cmd)
	if err != nil {
		if !writeDomainError(w, err, "command failed") {
			s.logger.Error("unit command failed", "device_id", id, "unit_id", unitID, "error", err)
		}
		return
	}

	s.logger.Debug("unit command sent",
		"device_id", id, "unit_id", unitID, "action", cmd.Action,
		"via", sent, "by", subjectFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"unit_id":   unitID,
		"sent_via":  sent,
	})
}

// deviceIDParam reads and bounds the {id} URL parameter. IDs are matched in
// their normalized form so clients may use any MAC spelling.
func deviceIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "id")
	if raw == "" || len(raw) > maxQueryParamLen {
		writeBadRequest(w, "invalid device ID")
		return "", false
	}
	return device.NormalizeID(raw), true
}
