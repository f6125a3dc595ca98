// Package protocol defines the JSON wire format of the conversational-audio
// service: a setup handshake, outbound realtime media chunks, and inbound
// server messages discriminated by field presence.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MediaChunk is one outbound audio payload: text-safe-encoded PCM16 bytes
// tagged with a MIME descriptor such as "audio/pcm;rate=16000".
type MediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// RealtimeInput carries microphone media to the service.
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

// ClientMessage is the outbound envelope. Exactly one field is set.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
}

// Setup is the session handshake. Both transcription blocks must be present
// or the service will not transcribe either side of the conversation.
type Setup struct {
	Model                    string             `json:"model"`
	GenerationConfig         *GenerationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction        *Content           `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *TranscriptionOpts `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *TranscriptionOpts `json:"outputAudioTranscription,omitempty"`
}

// TranscriptionOpts requests transcript generation. It has no fields; its
// presence is the request.
type TranscriptionOpts struct{}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// Content is a minimal part container used for system instructions and
// inbound model turns.
type Content struct {
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is an inbound audio payload nested under the model turn.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// serverMessage mirrors the inbound envelope. Fields are discriminated by
// presence, and one serverContent frame may carry several of them at once.
type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	Error         *ServerError   `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *Content        `json:"modelTurn,omitempty"`
	InputTranscription  *transcriptText `json:"inputTranscription,omitempty"`
	OutputTranscription *transcriptText `json:"outputTranscription,omitempty"`
	TurnComplete        bool            `json:"turnComplete,omitempty"`
}

type transcriptText struct {
	Text string `json:"text"`
}

// ServerError is the diagnostic payload of an inbound error message.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event is a decoded inbound variant.
type Event interface {
	eventType() string
}

// SetupCompleteEvent acknowledges the handshake.
type SetupCompleteEvent struct{}

func (SetupCompleteEvent) eventType() string { return "setup_complete" }

// AudioChunkEvent carries decoded-from-base64 PCM16 bytes for playback.
type AudioChunkEvent struct {
	Data       []byte
	MIMEType   string
	SampleRate int
}

func (AudioChunkEvent) eventType() string { return "audio_chunk" }

// InputTranscriptEvent is a fragment of the user's speech transcript.
type InputTranscriptEvent struct{ Text string }

func (InputTranscriptEvent) eventType() string { return "input_transcript" }

// OutputTranscriptEvent is a fragment of the assistant's speech transcript.
type OutputTranscriptEvent struct{ Text string }

func (OutputTranscriptEvent) eventType() string { return "output_transcript" }

// TurnCompleteEvent marks the end of one conversational exchange.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) eventType() string { return "turn_complete" }

// ErrorEvent surfaces a service-reported error.
type ErrorEvent struct{ Err ServerError }

func (ErrorEvent) eventType() string { return "error" }

// ClosedEvent is emitted by the session when the connection ends.
type ClosedEvent struct{}

func (ClosedEvent) eventType() string { return "closed" }

// NewRealtimeAudio builds the outbound envelope for one encoded frame.
func NewRealtimeAudio(mimeType, data string) ClientMessage {
	return ClientMessage{
		RealtimeInput: &RealtimeInput{
			MediaChunks: []MediaChunk{{MIMEType: mimeType, Data: data}},
		},
	}
}

// DecodeServerMessage decodes one inbound frame into zero or more events in
// the order the payload carries them: transcripts, model audio, then the
// turn-completion marker. Base64 audio that fails to decode yields an error
// so the caller can skip the chunk without dropping the rest of the frame.
func DecodeServerMessage(data []byte, decodeB64 func(string) ([]byte, error)) ([]Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}

	if msg.Error != nil {
		return []Event{ErrorEvent{Err: *msg.Error}}, nil
	}
	if msg.SetupComplete != nil {
		return []Event{SetupCompleteEvent{}}, nil
	}
	sc := msg.ServerContent
	if sc == nil {
		// Unknown frame shapes are ignored, not fatal.
		return nil, nil
	}

	var events []Event
	var badChunk error
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, InputTranscriptEvent{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, OutputTranscriptEvent{Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			raw, err := decodeB64(part.InlineData.Data)
			if err != nil {
				badChunk = fmt.Errorf("decode audio chunk: %w", err)
				continue
			}
			events = append(events, AudioChunkEvent{
				Data:       raw,
				MIMEType:   part.InlineData.MIMEType,
				SampleRate: SampleRateFromMIME(part.InlineData.MIMEType, 24000),
			})
		}
	}
	if sc.TurnComplete {
		events = append(events, TurnCompleteEvent{})
	}
	return events, badChunk
}

// SampleRateFromMIME parses the rate parameter of descriptors like
// "audio/pcm;rate=24000", falling back to def when absent or malformed.
func SampleRateFromMIME(mime string, def int) int {
	for _, param := range strings.Split(mime, ";") {
		param = strings.TrimSpace(param)
		if !strings.HasPrefix(param, "rate=") {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimPrefix(param, "rate="))
		if err != nil || rate <= 0 {
			return def
		}
		return rate
	}
	return def
}
