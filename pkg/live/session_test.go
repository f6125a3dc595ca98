package live

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingopal-ai/lingopal/pkg/live/protocol"
)

func newWebsocketTestServer(t *testing.T, handler func(conn *websocket.Conn)) (string, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	return "ws" + strings.TrimPrefix(server.URL, "http"), server.Close
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:          endpoint,
		APIKey:            "test-key",
		Model:             "models/gemini-2.0-flash-live-001",
		Voice:             "Puck",
		SystemInstruction: "You are a patient conversation partner.",
	}
}

func TestConnect_HandshakeAndEventOrder(t *testing.T) {
	t.Parallel()

	audio := base64.StdEncoding.EncodeToString([]byte{0x01, 0x00, 0x02, 0x00})
	endpoint, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()

		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		raw, ok := setup["setup"].(map[string]any)
		if !ok {
			t.Errorf("first frame missing setup: %v", setup)
			return
		}
		if _, ok := raw["inputAudioTranscription"]; !ok {
			t.Error("setup did not request input transcription")
		}
		if _, ok := raw["outputAudioTranscription"]; !ok {
			t.Error("setup did not request output transcription")
		}

		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "hola"},
		}})
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": audio}},
			}},
			"outputTranscription": map[string]any{"text": "hello"},
			"turnComplete":        true,
		}})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	session, err := Connect(ctx, testConfig(endpoint))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()
	if session.State() != StateOpen {
		t.Fatalf("state=%v, want open", session.State())
	}

	var got []protocol.Event
	for event := range session.Events() {
		got = append(got, event)
	}

	want := []string{"input_transcript", "output_transcript", "audio_chunk", "turn_complete", "closed"}
	if len(got) != len(want) {
		t.Fatalf("got %d events (%#v), want %d", len(got), got, len(want))
	}
	if _, ok := got[0].(protocol.InputTranscriptEvent); !ok {
		t.Fatalf("events[0]=%#v, want input transcript", got[0])
	}
	if _, ok := got[1].(protocol.OutputTranscriptEvent); !ok {
		t.Fatalf("events[1]=%#v, want output transcript", got[1])
	}
	if _, ok := got[2].(protocol.AudioChunkEvent); !ok {
		t.Fatalf("events[2]=%#v, want audio chunk", got[2])
	}
	if _, ok := got[3].(protocol.TurnCompleteEvent); !ok {
		t.Fatalf("events[3]=%#v, want turn complete", got[3])
	}
	if _, ok := got[4].(protocol.ClosedEvent); !ok {
		t.Fatalf("events[4]=%#v, want closed", got[4])
	}
	if session.State() != StateClosed {
		t.Fatalf("state=%v, want closed", session.State())
	}
	if err := session.Err(); err != nil {
		t.Fatalf("Err()=%v, want nil on normal closure", err)
	}
}

func TestConnect_SetupRejected(t *testing.T) {
	t.Parallel()

	endpoint, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var setup map[string]any
		_ = conn.ReadJSON(&setup)
		_ = conn.WriteJSON(map[string]any{"error": map[string]any{
			"code": "invalid_model", "message": "unknown model",
		}})
	})
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := Connect(ctx, testConfig(endpoint))
	if err == nil {
		t.Fatal("want setup rejection error")
	}
	if !strings.Contains(err.Error(), "unknown model") {
		t.Fatalf("err=%q, want service message surfaced", err)
	}
}

func TestSendAudio_AfterCloseIsSilentlyDropped(t *testing.T) {
	t.Parallel()

	endpoint, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var setup map[string]any
		_ = conn.ReadJSON(&setup)
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		// Keep reading until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	session, err := Connect(ctx, testConfig(endpoint))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	session.Close()
	session.Close() // idempotent

	// Must neither panic nor surface an error.
	session.SendAudio("QUJD")

	for range session.Events() {
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()
	got, err := buildURL("https://example.com/ws/stream", "k123")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if got != "wss://example.com/ws/stream?key=k123" {
		t.Fatalf("url=%q", got)
	}
	if _, err := buildURL("ftp://example.com", ""); err == nil {
		t.Fatal("want scheme error")
	}
}
