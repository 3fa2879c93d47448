package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/command"
	"github.com/afroash/aerogrow/internal/device"
	"github.com/afroash/aerogrow/internal/models"
)

// maxBodyBytes caps request bodies on the JSON endpoints
const maxBodyBytes = 64 << 10

// APIHandler handles HTTP API requests for the dashboard
type APIHandler struct {
	readings ReadingProvider
	settings SettingsStore
	commands CommandSubmitter
	device   DeviceLink
	history  *CommandHistory
	logger   zerolog.Logger
}

// NewAPIHandler creates a new API handler. link may be nil.
func NewAPIHandler(readings ReadingProvider, settings SettingsStore, commands CommandSubmitter,
	link DeviceLink, history *CommandHistory, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		readings: readings,
		settings: settings,
		commands: commands,
		device:   link,
		history:  history,
		logger:   logger,
	}
}

// ErrorResponse is the body of every 4xx/5xx JSON reply
type ErrorResponse struct {
	Error  string           `json:"error"`
	Kind   models.ErrorKind `json:"kind,omitempty"`
	Fields []string         `json:"fields,omitempty"`
}

// ControlRequest is the body of POST /api/control
type ControlRequest struct {
	Command models.CommandKind `json:"command"`
	Value   json.RawMessage    `json:"value"`
}

// ControlResponse reports a command outcome
type ControlResponse struct {
	ID     string              `json:"id,omitempty"`
	Status string              `json:"status"`
	Detail string              `json:"detail,omitempty"`
	Kind   models.ErrorKind    `json:"kind,omitempty"`
	State  models.CommandState `json:"state,omitempty"`
}

// Control response statuses
const (
	StatusAcknowledged = "acknowledged"
	StatusFailed       = "failed"
	StatusTimeout      = "timeout"
	StatusPending      = "pending"
)

// HandleData returns the current reading
func (api *APIHandler) HandleData(w http.ResponseWriter, r *http.Request) {
	reading := api.readings.GetReading(r.Context())
	writeJSON(w, http.StatusOK, reading)
}

// HandleSettings returns the current settings
func (api *APIHandler) HandleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.settings.Get(r.Context()))
}

// HandleUpdateSettings applies a partial settings update
func (api *APIHandler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch models.SettingsPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "malformed settings: " + err.Error(),
			Kind:  models.KindInvalidField,
		})
		return
	}

	updated, err := api.settings.Update(&patch)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// HandleControl submits a command and waits for the device's answer
func (api *APIHandler) HandleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ControlResponse{
			Status: StatusFailed,
			Detail: "malformed request: " + err.Error(),
			Kind:   models.KindInvalidCommand,
		})
		return
	}

	ticket, err := api.commands.Submit(models.Command{Kind: req.Command, Value: req.Value})
	if err != nil {
		writeJSON(w, statusForError(err), ControlResponse{
			Status: StatusFailed,
			Detail: err.Error(),
			Kind:   models.KindOf(err),
		})
		return
	}
	api.history.Add(ticket)

	result, err := ticket.Wait(r.Context())
	code, resp := controlOutcome(result, err)
	api.logger.Info().
		Str("id", result.ID).
		Str("command", string(result.Kind)).
		Str("state", string(result.State)).
		Msg("control request finished")
	writeJSON(w, code, resp)
}

// HandleCommandStatus returns the state of a recently submitted command
func (api *APIHandler) HandleCommandStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ticket, ok := api.history.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown command " + id})
		return
	}

	result, err := ticket.Result()
	if !result.State.IsTerminal() {
		writeJSON(w, http.StatusOK, ControlResponse{ID: result.ID, Status: StatusPending, State: result.State})
		return
	}
	_, resp := controlOutcome(result, err)
	writeJSON(w, http.StatusOK, resp)
}

// CommandsResponse lists recent commands with gateway statistics
type CommandsResponse struct {
	Commands []models.CommandResult `json:"commands"`
	Stats    command.Stats          `json:"stats"`
	History  HistoryStats           `json:"history"`
}

// HandleCommands returns recent commands (newest first)
func (api *APIHandler) HandleCommands(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if parsed, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && parsed > 0 {
		limit = parsed
	}
	writeJSON(w, http.StatusOK, CommandsResponse{
		Commands: api.history.Recent(limit),
		Stats:    api.commands.Stats(),
		History:  api.history.Stats(),
	})
}

// DeviceResponse reports the device link
type DeviceResponse struct {
	device.Status
	Gateway command.Stats `json:"gateway"`
}

// HandleDevice returns the device link status
func (api *APIHandler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	resp := DeviceResponse{Gateway: api.commands.Stats()}
	if api.device != nil {
		resp.Status = api.device.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports liveness
func (api *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	connected := false
	if api.device != nil {
		connected = api.device.Status().Connected
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"device_connected": connected,
		"time":             time.Now().UTC(),
	})
}

// controlOutcome maps a terminal command result to an HTTP status and body
func controlOutcome(result models.CommandResult, err error) (int, ControlResponse) {
	resp := ControlResponse{ID: result.ID, Detail: result.Detail, State: result.State}

	switch result.State {
	case models.StateAcknowledged:
		resp.Status = StatusAcknowledged
		return http.StatusOK, resp
	case models.StateTimedOut:
		resp.Status = StatusTimeout
		resp.Kind = models.KindDeviceUnreachable
		return http.StatusGatewayTimeout, resp
	}

	resp.Status = StatusFailed
	resp.Kind = models.KindOf(err)
	if resp.Detail == "" && err != nil {
		resp.Detail = err.Error()
	}
	return statusForError(err), resp
}

// statusForError maps an error kind to an HTTP status code
func statusForError(err error) int {
	switch models.KindOf(err) {
	case models.KindInvalidCommand, models.KindInvalidField:
		return http.StatusBadRequest
	case models.KindDeviceRejected:
		return http.StatusBadGateway
	case models.KindDeviceUnreachable:
		return http.StatusServiceUnavailable
	case models.KindCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Kind: models.KindOf(err)}
	var e *models.Error
	if errors.As(err, &e) {
		resp.Fields = e.Fields
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
