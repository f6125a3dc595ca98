// Package live owns the duplex websocket connection to the remote
// conversational-audio service: it sends encoded microphone frames and
// delivers inbound events (audio, transcripts, turn markers) in arrival
// order on a single channel.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingopal-ai/lingopal/pkg/pcm"
	"github.com/lingopal-ai/lingopal/pkg/live/protocol"
)

const (
	// DefaultEndpoint is the bidirectional streaming endpoint of the
	// conversational-audio service.
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultConnectTimeout = 15 * time.Second
	eventBufferSize       = 256
)

// State is the transport lifecycle: Idle -> Connecting -> Open -> Closed.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config fixes the session parameters at connect time. Both transcript
// directions are always requested; the service will not transcribe
// otherwise.
type Config struct {
	// Endpoint overrides DefaultEndpoint (tests point it at a local server).
	Endpoint string
	APIKey   string

	// Model is the conversational model identifier.
	Model string
	// Voice selects the synthesized voice.
	Voice string
	// SystemInstruction is the static persona and turn-taking instruction.
	SystemInstruction string

	Logger *slog.Logger
}

// TransportError represents websocket-level failures: dial, handshake, or a
// mid-session socket error. Use errors.As to distinguish it from
// service-reported errors.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Session is an open duplex connection. Events() yields inbound events in
// arrival order; the channel is closed after a final ClosedEvent when the
// connection ends for any reason.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events chan protocol.Event
	done   chan struct{}

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Connect dials the service, performs the setup handshake, and starts the
// read loop. It returns only once the service has acknowledged the setup.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("live: model must not be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	wsURL, err := buildURL(endpoint, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	s := &Session{
		logger: logger,
		events: make(chan protocol.Event, eventBufferSize),
		done:   make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		s.state.Store(int32(StateClosed))
		return nil, &TransportError{Op: "dial", Err: err}
	}
	s.conn = conn

	setup := protocol.ClientMessage{
		Setup: &protocol.Setup{
			Model: cfg.Model,
			GenerationConfig: &protocol.GenerationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &protocol.SpeechConfig{
					VoiceConfig: &protocol.VoiceConfig{
						PrebuiltVoiceConfig: &protocol.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
					},
				},
			},
			InputAudioTranscription:  &protocol.TranscriptionOpts{},
			OutputAudioTranscription: &protocol.TranscriptionOpts{},
		},
	}
	if instruction := strings.TrimSpace(cfg.SystemInstruction); instruction != "" {
		setup.Setup.SystemInstruction = &protocol.Content{Parts: []protocol.Part{{Text: instruction}}}
	}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		s.state.Store(int32(StateClosed))
		return nil, &TransportError{Op: "setup", Err: err}
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultConnectTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		s.state.Store(int32(StateClosed))
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	_ = conn.SetReadDeadline(time.Time{})

	events, err := protocol.DecodeServerMessage(payload, pcm.DecodeBase64)
	if err != nil {
		_ = conn.Close()
		s.state.Store(int32(StateClosed))
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	if len(events) != 1 {
		_ = conn.Close()
		s.state.Store(int32(StateClosed))
		return nil, &TransportError{Op: "handshake", Err: fmt.Errorf("unexpected first frame")}
	}
	switch e := events[0].(type) {
	case protocol.SetupCompleteEvent:
	case protocol.ErrorEvent:
		_ = conn.Close()
		s.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("live: setup rejected: %s", strings.TrimSpace(e.Err.Message))
	default:
		_ = conn.Close()
		s.state.Store(int32(StateClosed))
		return nil, &TransportError{Op: "handshake", Err: fmt.Errorf("unexpected first frame")}
	}

	s.state.Store(int32(StateOpen))
	go s.readLoop()
	return s, nil
}

func buildURL(endpoint, apiKey string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("live: invalid endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("live: endpoint must use ws(s) or http(s)")
	}
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		q := u.Query()
		q.Set("key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	if s == nil {
		return StateIdle
	}
	return State(s.state.Load())
}

// Events yields inbound events in arrival order. A final ClosedEvent is
// delivered before the channel closes.
func (s *Session) Events() <-chan protocol.Event {
	if s == nil {
		return nil
	}
	return s.events
}

// SendAudio transmits one encoded frame. It is fire-and-forget: frames sent
// while the session is not open are dropped and logged, never surfaced,
// since frames in flight at disconnect time are expected.
func (s *Session) SendAudio(data string) {
	if s == nil {
		return
	}
	if s.State() != StateOpen {
		s.logger.Debug("live: dropping audio frame, session not open", "state", s.State().String())
		return
	}
	msg := protocol.NewRealtimeAudio(pcm.InputMIMEType, data)
	s.writeMu.Lock()
	err := s.conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		s.fail(&TransportError{Op: "send", Err: err})
		s.Close()
	}
}

// Close transitions the session to Closed and releases the connection.
// Idempotent; inbound frames after close are ignored.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

// Err returns the terminal session error, if any, once the read loop has
// finished.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) fail(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() != StateClosed &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.fail(&TransportError{Op: "read", Err: err})
			}
			s.state.Store(int32(StateClosed))
			select {
			case s.events <- protocol.ClosedEvent{}:
			default:
				// Consumer already gone; channel close below still signals it.
			}
			return
		}

		events, decodeErr := protocol.DecodeServerMessage(payload, pcm.DecodeBase64)
		if decodeErr != nil {
			// A single malformed chunk must not kill a healthy call.
			s.logger.Warn("live: skipping malformed inbound payload", "err", decodeErr)
		}
		for _, event := range events {
			if s.State() == StateClosed {
				return
			}
			// Blocking send preserves arrival order; the controller is the
			// single consumer and never parks on slow work.
			s.events <- event
			if e, ok := event.(protocol.ErrorEvent); ok {
				s.fail(fmt.Errorf("live: service error: %s", strings.TrimSpace(e.Err.Message)))
			}
		}
	}
}
