package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/yegors/voicelink/internal/ai/gemini"
	"github.com/yegors/voicelink/internal/api"
	"github.com/yegors/voicelink/internal/audio"
	"github.com/yegors/voicelink/internal/capture"
	"github.com/yegors/voicelink/internal/config"
	"github.com/yegors/voicelink/internal/playback"
	"github.com/yegors/voicelink/internal/session"
	"github.com/yegors/voicelink/internal/storage/sqlite"
	"github.com/yegors/voicelink/internal/transcript"
	"github.com/yegors/voicelink/internal/websocket"
	"github.com/yegors/voicelink/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting VoiceLink server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Create transcript storage
	today := time.Now().Format("2006-01-02")
	dbFilename := fmt.Sprintf("voicelink-%s.db", today)
	dbPath := filepath.Join(cfg.Storage.BasePath, dbFilename)

	if err := os.MkdirAll(cfg.Storage.BasePath, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", cfg.Storage.BasePath))
		os.Exit(1)
	}

	log.Info("Using daily database", logger.String("path", dbPath))

	transcriptStorage, err := sqlite.NewTranscriptStorage(dbPath, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer transcriptStorage.Close()

	// Create WebSocket server
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	// Create audio devices
	audioContext, err := audio.NewContext(log)
	if err != nil {
		log.Error("Failed to initialize audio backend", logger.Error(err))
		os.Exit(1)
	}
	defer audioContext.Close()

	captureDevice := audio.NewMalgoCapture(audioContext, audio.CaptureConfig{
		SampleRate: cfg.Audio.InputSampleRate,
		FrameSize:  cfg.Audio.FrameSize,
	}, log)
	playbackDevice := audio.NewMalgoPlayback(audioContext, audio.PlaybackConfig{
		SampleRate: cfg.Audio.OutputSampleRate,
		Gain:       cfg.Audio.Gain,
	}, log)

	// Create session components
	capturePipeline := capture.NewPipeline(captureDevice, cfg.Audio.InputSampleRate, log)
	scheduler := playback.NewScheduler(playbackDevice, log)
	assembler := transcript.NewAssembler(log)
	provider := gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.Host, log)

	controller := session.NewController(session.Config{
		Model:            cfg.Gemini.Model,
		Voice:            cfg.Gemini.Voice,
		Language:         cfg.Gemini.Language,
		SystemPrompt:     cfg.Gemini.SystemPrompt,
		InputSampleRate:  cfg.Audio.InputSampleRate,
		OutputSampleRate: cfg.Audio.OutputSampleRate,
	}, capturePipeline, scheduler, provider, assembler, log)

	// Persist committed entries and push them to UI clients
	assembler.OnEntry(func(entry transcript.Entry) {
		if err := transcriptStorage.StoreEntry(&sqlite.EntryRecord{
			ID:        entry.ID,
			Role:      string(entry.Role),
			Content:   entry.Text,
			CreatedAt: entry.Timestamp,
		}); err != nil {
			log.Error("Failed to persist transcript entry", logger.Error(err))
		}
		wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypeTranscriptEntry,
			Data: map[string]any{
				"id":        entry.ID,
				"role":      entry.Role,
				"text":      entry.Text,
				"timestamp": entry.Timestamp,
			},
		})
	})

	controller.SetStateListener(func(state session.State, message string) {
		wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypeSessionState,
			Data: map[string]any{"state": state, "message": message},
		})
	})
	controller.SetPartialListener(func(user, agent string) {
		wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypePartial,
			Data: map[string]any{"user": user, "agent": agent},
		})
	})

	// Allow UI clients to drive the session over the socket as well
	wsServer.SetMessageHandler(newSessionMessageHandler(controller, log))

	// Periodic loudness updates for the level meter
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broadcastLoudness(ctx, controller, wsServer)

	// Create API router
	handler := api.NewHandler(controller, assembler, transcriptStorage, wsServer, cfg, log)
	router := api.NewRouter(handler, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", addr), logger.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// End any live session first so the devices are released cleanly
	controller.Disconnect()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}

	log.Info("Server fully stopped")
}

// broadcastLoudness pushes the microphone level to UI clients while the
// session is connected.
func broadcastLoudness(ctx context.Context, controller *session.Controller, wsServer *websocket.Server) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if controller.State() != session.StateConnected {
				continue
			}
			wsServer.Broadcast(&websocket.Message{
				Type: websocket.MessageTypeLoudness,
				Data: map[string]any{"loudness": controller.Status().Loudness},
			})
		}
	}
}

// sessionMessageHandler lets WebSocket clients issue session commands
// without a round trip through the REST API.
type sessionMessageHandler struct {
	controller *session.Controller
	logger     *logger.Logger
}

func newSessionMessageHandler(controller *session.Controller, log *logger.Logger) *sessionMessageHandler {
	return &sessionMessageHandler{
		controller: controller,
		logger:     log.Named("ws-session"),
	}
}

func (h *sessionMessageHandler) HandleMessage(client *websocket.Client, messageType string, data map[string]any) error {
	switch messageType {
	case "connect":
		if err := h.controller.Connect(context.Background()); err != nil {
			h.logger.Warn("Connect via WebSocket failed", logger.Error(err))
		}
	case "disconnect":
		h.controller.Disconnect()
	case "interrupt":
		h.controller.Interrupt()
	default:
		h.logger.Debug("Ignoring unknown WebSocket message", logger.String("type", messageType))
	}
	return nil
}
