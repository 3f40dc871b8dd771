// Package gemini implements the realtime voice provider on top of the
// Gemini Live (BidiGenerateContent) WebSocket protocol.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/voicelink/internal/ai"
	"github.com/yegors/voicelink/internal/pcm"
	"github.com/yegors/voicelink/pkg/logger"
)

const (
	// DefaultHost is the default host for the Gemini API
	DefaultHost = "generativelanguage.googleapis.com"
	// DefaultPath is the WebSocket path for BidiGenerateContent
	DefaultPath = "/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

	// DefaultVoice is used when the config does not name one
	DefaultVoice = "Puck"

	eventBufferSize = 256
)

// Client dials Gemini Live sessions.
type Client struct {
	apiKey string
	host   string
	logger *logger.Logger
	dialer *websocket.Dialer
}

// NewClient creates a Gemini client. An empty host selects the default
// endpoint; overriding it is useful for proxies and tests.
func NewClient(apiKey, host string, log *logger.Logger) *Client {
	if apiKey == "" {
		log.Warn("Gemini API key is empty - live sessions will not connect")
	}
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		apiKey: apiKey,
		host:   host,
		logger: log.Named("gemini"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// Dial opens the WebSocket, sends the setup message and starts the read
// loop. The returned session is live immediately.
func (c *Client) Dial(ctx context.Context, config ai.SessionConfig) (ai.RemoteSession, error) {
	u := url.URL{
		Scheme: "wss",
		Host:   c.host,
		Path:   DefaultPath,
	}
	q := u.Query()
	q.Set("key", c.apiKey)
	u.RawQuery = q.Encode()

	c.logger.Info("Connecting to Gemini Live API", logger.String("host", c.host))

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			c.logger.Error("Gemini WebSocket handshake failed",
				logger.Int("status_code", resp.StatusCode),
				logger.String("status", resp.Status))
		}
		return nil, fmt.Errorf("failed to dial Gemini: %w", err)
	}

	if err := conn.WriteJSON(setupMessage(config)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send setup to Gemini: %w", err)
	}

	s := &liveSession{
		conn:       conn,
		events:     make(chan ai.RemoteEvent, eventBufferSize),
		inputRate:  config.InputSampleRate,
		outputRate: config.OutputSampleRate,
		logger:     c.logger,
	}
	go s.readLoop()
	return s, nil
}

// setupMessage builds the BidiGenerateContent setup frame. Outbound keys
// are snake_case per the protocol.
func setupMessage(config ai.SessionConfig) map[string]any {
	model := config.Model
	if !strings.Contains(model, "/") {
		model = "models/" + model
	}
	voice := config.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	setup := map[string]any{
		"model": model,
		"generation_config": map[string]any{
			"response_modalities": []string{"AUDIO"},
			"speech_config": map[string]any{
				"voice_config": map[string]any{
					"prebuilt_voice_config": map[string]any{
						"voice_name": voice,
					},
				},
			},
		},
		"input_audio_transcription":  map[string]any{},
		"output_audio_transcription": map[string]any{},
	}
	instruction := config.SystemPrompt
	if config.Language != "" {
		directive := fmt.Sprintf("Always respond in %s.", config.Language)
		if instruction != "" {
			instruction += "\n\n" + directive
		} else {
			instruction = directive
		}
	}
	if instruction != "" {
		setup["system_instruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": instruction},
			},
		}
	}
	return map[string]any{"setup": setup}
}

// liveSession is one established Gemini Live connection.
type liveSession struct {
	conn       *websocket.Conn
	events     chan ai.RemoteEvent
	inputRate  int
	outputRate int
	logger     *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
}

func (s *liveSession) SendAudio(blob pcm.Blob) error {
	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = pcm.MIMEDescriptor(s.inputRate)
	}
	msg := map[string]any{
		"realtime_input": map[string]any{
			"media_chunks": []map[string]any{
				{
					"mime_type": mimeType,
					"data":      blob.Data,
				},
			},
		},
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	return s.conn.WriteJSON(msg)
}

func (s *liveSession) Events() <-chan ai.RemoteEvent {
	return s.events
}

func (s *liveSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// readLoop pumps server frames into the event channel. It exits on the
// first read error, emitting a terminal event and closing the channel.
func (s *liveSession) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.events <- ai.ClosedEvent{Reason: err.Error()}
			} else {
				s.events <- ai.ErrorEvent{Err: fmt.Errorf("gemini read: %w", err)}
			}
			return
		}

		events, err := decodeServerMessage(data, s.outputRate)
		if err != nil {
			s.logger.Warn("Skipping undecodable Gemini message", logger.Error(err))
			continue
		}
		for _, event := range events {
			s.events <- event
		}
	}
}

// Wire shapes for inbound frames. The server responds in camelCase.
type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete"`
	ServerContent *serverContent `json:"serverContent"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
	Interrupted         bool           `json:"interrupted"`
	TurnComplete        bool           `json:"turnComplete"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	Text       string      `json:"text"`
	InlineData *inlineData `json:"inlineData"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type transcription struct {
	Text string `json:"text"`
}

// decodeServerMessage translates one server frame into zero or more events.
// Within a frame, transcription fragments precede audio, and interruption
// precedes turn completion.
func decodeServerMessage(data []byte, outputRate int) ([]ai.RemoteEvent, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	sc := msg.ServerContent
	if sc == nil {
		// setupComplete and other bookkeeping frames carry no events.
		return nil, nil
	}

	var events []ai.RemoteEvent
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, ai.InputTranscript{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, ai.OutputTranscript{Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			mimeType := part.InlineData.MIMEType
			if mimeType == "" {
				mimeType = pcm.MIMEDescriptor(outputRate)
			}
			events = append(events, ai.Audio{Blob: pcm.Blob{
				Data:     part.InlineData.Data,
				MIMEType: mimeType,
			}})
		}
	}
	if sc.Interrupted {
		events = append(events, ai.Interrupted{})
	}
	if sc.TurnComplete {
		events = append(events, ai.TurnComplete{})
	}
	return events, nil
}
