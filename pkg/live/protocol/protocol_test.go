package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeServerMessage_BundledContent(t *testing.T) {
	t.Parallel()
	audio := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03, 0x04})
	frame := `{
		"serverContent": {
			"inputTranscription": {"text": "hola"},
			"outputTranscription": {"text": "hello"},
			"modelTurn": {"parts": [{"inlineData": {"mimeType": "audio/pcm;rate=24000", "data": "` + audio + `"}}]},
			"turnComplete": true
		}
	}`

	events, err := DecodeServerMessage([]byte(frame), base64.StdEncoding.DecodeString)
	require.NoError(t, err)
	require.Len(t, events, 4)

	in, ok := events[0].(InputTranscriptEvent)
	require.True(t, ok, "events[0]=%#v", events[0])
	require.Equal(t, "hola", in.Text)

	out, ok := events[1].(OutputTranscriptEvent)
	require.True(t, ok, "events[1]=%#v", events[1])
	require.Equal(t, "hello", out.Text)

	chunk, ok := events[2].(AudioChunkEvent)
	require.True(t, ok, "events[2]=%#v", events[2])
	require.Equal(t, 24000, chunk.SampleRate)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, chunk.Data)

	require.IsType(t, TurnCompleteEvent{}, events[3])
}

func TestDecodeServerMessage_SetupCompleteAndError(t *testing.T) {
	t.Parallel()
	events, err := DecodeServerMessage([]byte(`{"setupComplete":{}}`), base64.StdEncoding.DecodeString)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.IsType(t, SetupCompleteEvent{}, events[0])

	events, err = DecodeServerMessage([]byte(`{"error":{"code":"quota","message":"exhausted"}}`), base64.StdEncoding.DecodeString)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e, ok := events[0].(ErrorEvent)
	require.True(t, ok, "got %#v", events[0])
	require.Equal(t, "quota", e.Err.Code)
	require.Equal(t, "exhausted", e.Err.Message)
}

func TestDecodeServerMessage_BadChunkIsolated(t *testing.T) {
	t.Parallel()
	frame := `{
		"serverContent": {
			"modelTurn": {"parts": [
				{"inlineData": {"mimeType": "audio/pcm;rate=24000", "data": "!!!not-base64!!!"}},
				{"inlineData": {"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}}
			]},
			"turnComplete": true
		}
	}`
	events, err := DecodeServerMessage([]byte(frame), base64.StdEncoding.DecodeString)
	require.Error(t, err, "malformed chunk must be reported")
	// The malformed chunk is skipped; the healthy chunk and the marker survive.
	require.Len(t, events, 2)
	require.IsType(t, AudioChunkEvent{}, events[0])
	require.IsType(t, TurnCompleteEvent{}, events[1])
}

func TestDecodeServerMessage_UnknownFrameIgnored(t *testing.T) {
	t.Parallel()
	events, err := DecodeServerMessage([]byte(`{"usageMetadata":{"totalTokenCount":12}}`), base64.StdEncoding.DecodeString)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestNewRealtimeAudio_Envelope(t *testing.T) {
	t.Parallel()
	msg := NewRealtimeAudio("audio/pcm;rate=16000", "QUJD")
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.JSONEq(t, `{"realtimeInput":{"mediaChunks":[{"mimeType":"audio/pcm;rate=16000","data":"QUJD"}]}}`, string(raw))
}

func TestSampleRateFromMIME(t *testing.T) {
	t.Parallel()
	cases := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm; rate=16000", 16000},
		{"audio/pcm", 24000},
		{"audio/pcm;rate=bogus", 24000},
		{"", 24000},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, SampleRateFromMIME(tc.mime, 24000), "mime=%q", tc.mime)
	}
}
