// Package api exposes the voice session over HTTP for the local UI.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/yegors/voicelink/internal/audio"
	"github.com/yegors/voicelink/internal/config"
	"github.com/yegors/voicelink/internal/session"
	"github.com/yegors/voicelink/internal/storage/sqlite"
	"github.com/yegors/voicelink/internal/transcript"
	"github.com/yegors/voicelink/internal/websocket"
	"github.com/yegors/voicelink/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	controller *session.Controller
	assembler  *transcript.Assembler
	storage    *sqlite.TranscriptStorage
	wsServer   *websocket.Server
	config     *config.Config
	logger     *logger.Logger
}

// NewHandler creates a new API handler. The storage may be nil when
// persistence is disabled.
func NewHandler(
	controller *session.Controller,
	assembler *transcript.Assembler,
	storage *sqlite.TranscriptStorage,
	wsServer *websocket.Server,
	cfg *config.Config,
	log *logger.Logger,
) *Handler {
	return &Handler{
		controller: controller,
		assembler:  assembler,
		storage:    storage,
		wsServer:   wsServer,
		config:     cfg,
		logger:     log.Named("api-handler"),
	}
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing useful left to do.
		_ = err
	}
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// ConnectSession starts a new voice session
func (h *Handler) ConnectSession(w http.ResponseWriter, r *http.Request) {
	err := h.controller.Connect(r.Context())
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, h.controller.Status())
	case errors.Is(err, session.ErrSessionActive):
		WriteError(w, http.StatusConflict, "session already active")
	case errors.Is(err, audio.ErrPermissionDenied):
		// The UI blocks retry on this until permission changes.
		WriteError(w, http.StatusForbidden, "microphone permission denied")
	case errors.Is(err, audio.ErrDeviceUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "audio device unavailable")
	default:
		h.logger.Error("Connect failed", logger.Error(err))
		WriteError(w, http.StatusBadGateway, "failed to reach voice service")
	}
}

// DisconnectSession tears the current session down
func (h *Handler) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	h.controller.Disconnect()
	WriteJSON(w, http.StatusOK, h.controller.Status())
}

// InterruptSession stops in-flight agent audio without ending the session
func (h *Handler) InterruptSession(w http.ResponseWriter, r *http.Request) {
	h.controller.Interrupt()
	WriteJSON(w, http.StatusOK, h.controller.Status())
}

// GetSessionStatus returns the current session snapshot
func (h *Handler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.controller.Status())
}

// GetLoudness returns the current microphone level
func (h *Handler) GetLoudness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]float64{
		"loudness": h.controller.Status().Loudness,
	})
}

// GetTranscript returns the current session's committed entries
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	entries := h.assembler.Entries()
	user, agent := h.assembler.Partials()

	WriteJSON(w, http.StatusOK, map[string]any{
		"entries":       entries,
		"partial_user":  user,
		"partial_agent": agent,
	})
}

// ExportTranscript returns the committed transcript as a download
func (h *Handler) ExportTranscript(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "text"
	}

	entries := h.assembler.Entries()
	stamp := time.Now().Format("2006-01-02-150405")

	switch format {
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=transcript-%s.txt", stamp))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(transcript.FormatPlainText(entries)))

	case "json":
		data, err := transcript.FormatJSON(entries)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to render transcript")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=transcript-%s.json", stamp))
		w.WriteHeader(http.StatusOK)
		w.Write(data)

	default:
		WriteError(w, http.StatusBadRequest, "unsupported format: "+format)
	}
}

// GetStoredTranscript returns persisted entries across sessions
func (h *Handler) GetStoredTranscript(w http.ResponseWriter, r *http.Request) {
	if h.storage == nil {
		WriteError(w, http.StatusNotFound, "persistence is disabled")
		return
	}

	limit := parseIntParam(r, "limit", 100)
	offset := parseIntParam(r, "offset", 0)

	records, err := h.storage.GetEntries(limit, offset)
	if err != nil {
		h.logger.Error("Failed to read stored transcript", logger.Error(err))
		WriteError(w, http.StatusInternalServerError, "failed to read stored transcript")
		return
	}
	if records == nil {
		records = []*sqlite.EntryRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entries": records})
}

// GetHealth reports process liveness
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"state":      h.controller.State(),
		"ws_clients": h.wsServer.ClientCount(),
	})
}

// HandleWebSocket upgrades the connection and hands it to the hub
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleConnection(w, r)
}

func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
