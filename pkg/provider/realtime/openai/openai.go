// Package openai implements realtime.Provider for the OpenAI Realtime API.
//
// Sessions run over a coder/websocket connection. After the handshake a
// session.update configures modalities, voice, instructions, temperature and
// pcm16 audio in both directions. Inbound response.audio.delta events become
// speech deltas keyed by their event_id, carrying the transcript text that
// arrived since the previous delta.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/englishear/pkg/provider/realtime"
)

var (
	_ realtime.Provider = (*Provider)(nil)
	_ realtime.Session  = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview-2024-12-17"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	eventBuffer = 256
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the WebSocket endpoint. Used by tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the service and sends the session configuration. Handshake
// rejections with status 401, 403, 429 or 503 are reported as the matching
// realtime sentinel error.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := p.baseURL + "?" + url.Values{"model": {p.model}}.Encode()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil {
			if cls := realtime.ClassifyStatus(resp.StatusCode); cls != nil {
				return nil, fmt.Errorf("openai realtime: dial: %w: %w", cls, err)
			}
		}
		return nil, fmt.Errorf("openai realtime: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		events: make(chan realtime.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    p.log.With("component", "realtime", "model", p.model),
	}

	if err := s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: toSessionParams(cfg)}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai realtime: session update: %w", err)
	}

	go s.receiveLoop()
	return s, nil
}

// ── Protocol messages (outgoing) ──────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string `json:"modalities,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`
	Temperature       float64  `json:"temperature,omitempty"`
}

func toSessionParams(cfg realtime.SessionConfig) sessionParams {
	return sessionParams{
		Modalities:        cfg.Modalities,
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Temperature:       cfg.Temperature,
	}
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createItemMessage struct {
	Type string      `json:"type"`
	Item messageItem `json:"item"`
}

type messageItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ── Protocol messages (incoming) ──────────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type       string             `json:"type"`
	EventID    string             `json:"event_id,omitempty"`
	ResponseID string             `json:"response_id,omitempty"`
	Delta      string             `json:"delta,omitempty"`
	Text       string             `json:"text,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
	Error      *serverErrorDetail `json:"error,omitempty"`
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event
	log    *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool

	// pendingTranscript collects transcript deltas until the next audio delta.
	// Only receiveLoop touches it.
	pendingTranscript string

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop owns the events channel and closes it on exit.
func (s *session) receiveLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Debug("realtime: undecodable event", "err", err)
			continue
		}
		s.handle(&evt)
	}
}

func (s *session) handle(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			s.log.Warn("realtime: bad audio delta", "event_id", evt.EventID, "err", err)
			return
		}
		id := evt.EventID
		if id == "" {
			id = uuid.NewString()
		}
		s.emit(realtime.Event{
			Type:       realtime.EventSpeechDelta,
			ResponseID: evt.ResponseID,
			Delta:      realtime.SpeechDelta{ID: id, Audio: pcm, Transcript: s.pendingTranscript},
		})
		s.pendingTranscript = ""

	case "response.audio_transcript.delta":
		s.pendingTranscript += evt.Delta

	case "response.text.done":
		if evt.Text != "" {
			s.emit(realtime.Event{Type: realtime.EventText, ResponseID: evt.ResponseID, Text: evt.Text})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			s.emit(realtime.Event{Type: realtime.EventUserTranscript, Text: evt.Transcript})
		}

	case "response.done":
		// Transcript that never got an audio delta ends the turn with it.
		s.emit(realtime.Event{Type: realtime.EventTurnEnd, ResponseID: evt.ResponseID, Text: s.pendingTranscript})
		s.pendingTranscript = ""

	case "error":
		code, msg := "", "unknown error"
		if evt.Error != nil {
			code = evt.Error.Code
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
		}
		err := realtime.ClassifyCode(code, msg)
		s.log.Warn("realtime: service error", "code", code, "err", err)
		s.emit(realtime.Event{Type: realtime.EventError, Err: err})

	case "session.created", "session.updated":
		s.log.Debug("realtime: session configured", "type", evt.Type)
	}
}

// emit blocks until the consumer takes ev or the session ends.
func (s *session) emit(ev realtime.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	return nil
}

// SendAudio appends user PCM16 audio to the input buffer.
func (s *session) SendAudio(chunk []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendText adds a user message and requests a response.
func (s *session) SendText(text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: messageItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// Cancel sends response.cancel.
func (s *session) Cancel() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

func (s *session) Events() <-chan realtime.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
