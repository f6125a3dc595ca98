// Package pcm converts between float32 audio samples and the 16-bit
// little-endian PCM wire representation used by the live transport.
package pcm

import (
	"encoding/base64"
	"math"
)

const (
	// InputSampleRate is the capture-side sample rate in Hz.
	InputSampleRate = 16000
	// OutputSampleRate is the playback-side sample rate in Hz.
	OutputSampleRate = 24000
	// FrameSamples is the fixed capture frame length in samples.
	FrameSamples = 4096

	// InputMIMEType tags outbound audio frames on the wire.
	InputMIMEType = "audio/pcm;rate=16000"
)

// EncodeFloat32 converts float samples in [-1, 1] to 16-bit little-endian
// PCM. Out-of-range samples are clamped, not wrapped. Negative values scale
// by 32768 and non-negative by 32767 so both extremes map onto the full
// signed 16-bit range.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM bytes to float samples by
// dividing each value by 32768. An odd trailing byte is a truncated sample
// and is silently dropped.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out
}

// EncodeBase64 maps arbitrary bytes to the text-safe transport encoding.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 is the inverse of EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// RMS returns the root-mean-square amplitude of the frame.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Level scales the frame's RMS amplitude into a bounded 0..1 metric
// suitable for a visual loudness meter. Speech RMS rarely exceeds ~0.25,
// so a 4x gain keeps the meter useful without clipping constantly.
func Level(samples []float32) float64 {
	l := RMS(samples) * 4
	if l > 1 {
		l = 1
	}
	return l
}
