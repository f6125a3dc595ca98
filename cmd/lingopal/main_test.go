package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/lingopal-ai/lingopal/pkg/analysis"
	"github.com/lingopal-ai/lingopal/pkg/session"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestParseAppConfig_DefaultsAndEnv(t *testing.T) {
	t.Parallel()

	cfg, err := parseAppConfig(nil, envMap(map[string]string{
		"GEMINI_API_KEY": "test-key",
	}))
	if err != nil {
		t.Fatalf("parseAppConfig error: %v", err)
	}

	if cfg.Mode != "practice" {
		t.Fatalf("Mode=%q, want practice", cfg.Mode)
	}
	if cfg.LiveModel != defaultLiveModel {
		t.Fatalf("LiveModel=%q, want %q", cfg.LiveModel, defaultLiveModel)
	}
	if cfg.AnalysisModel != analysis.DefaultModel {
		t.Fatalf("AnalysisModel=%q, want %q", cfg.AnalysisModel, analysis.DefaultModel)
	}
	if cfg.Voice != defaultVoice {
		t.Fatalf("Voice=%q, want %q", cfg.Voice, defaultVoice)
	}
	if cfg.Language != defaultLanguage {
		t.Fatalf("Language=%q, want %q", cfg.Language, defaultLanguage)
	}
	if cfg.MinExchanges != session.DefaultMinExchanges {
		t.Fatalf("MinExchanges=%d, want %d", cfg.MinExchanges, session.DefaultMinExchanges)
	}
	if cfg.APIKey != "test-key" {
		t.Fatalf("APIKey=%q, want test-key", cfg.APIKey)
	}
}

func TestParseAppConfig_GoogleKeyFallback(t *testing.T) {
	t.Parallel()

	cfg, err := parseAppConfig(nil, envMap(map[string]string{
		"GOOGLE_API_KEY": "fallback-key",
	}))
	if err != nil {
		t.Fatalf("parseAppConfig error: %v", err)
	}
	if cfg.APIKey != "fallback-key" {
		t.Fatalf("APIKey=%q, want fallback-key", cfg.APIKey)
	}
}

func TestParseAppConfig_MissingKey(t *testing.T) {
	t.Parallel()

	_, err := parseAppConfig(nil, envMap(nil))
	if err == nil {
		t.Fatal("expected error when GEMINI_API_KEY is missing")
	}
	if !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Fatalf("error=%q, expected GEMINI_API_KEY mention", err.Error())
	}
}

func TestParseAppConfig_BadMode(t *testing.T) {
	t.Parallel()

	_, err := parseAppConfig([]string{"-mode", "karaoke"}, envMap(map[string]string{
		"GEMINI_API_KEY": "test-key",
	}))
	if err == nil || !strings.Contains(err.Error(), "karaoke") {
		t.Fatalf("error=%v, expected unknown-mode error", err)
	}
}

func TestParseAppConfig_EssayFileAndImageConflict(t *testing.T) {
	t.Parallel()

	_, err := parseAppConfig([]string{"-mode", "essay", "-essay-file", "a.txt", "-image", "b.png"}, envMap(map[string]string{
		"GEMINI_API_KEY": "test-key",
	}))
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("error=%v, expected mutual-exclusion error", err)
	}
}

func TestParseAppConfig_MinExchangesMustBePositive(t *testing.T) {
	t.Parallel()

	_, err := parseAppConfig([]string{"-min-exchanges", "0"}, envMap(map[string]string{
		"GEMINI_API_KEY": "test-key",
	}))
	if err == nil || !strings.Contains(err.Error(), "min-exchanges") {
		t.Fatalf("error=%v, expected min-exchanges error", err)
	}
}

func TestLevelBar(t *testing.T) {
	t.Parallel()

	cases := []struct {
		level float64
		want  string
	}{
		{0, "[--------------------]"},
		{0.5, "[##########----------]"},
		{1, "[####################]"},
		{1.7, "[####################]"}, // clamped
		{-0.3, "[--------------------]"},
	}
	for _, tc := range cases {
		if got := levelBar(tc.level); got != tc.want {
			t.Fatalf("levelBar(%v)=%q, want %q", tc.level, got, tc.want)
		}
	}
}

func TestMimeTypeForPath(t *testing.T) {
	t.Parallel()

	if got := mimeTypeForPath("essay.png"); got != "image/png" {
		t.Fatalf("png=%q", got)
	}
	if got := mimeTypeForPath("essay.jpg"); got != "image/jpeg" {
		t.Fatalf("jpg=%q", got)
	}
	if got := mimeTypeForPath("essay.webp"); got != "image/webp" {
		t.Fatalf("webp=%q", got)
	}
}

func TestPrintReport(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printReport(&out, &analysis.Report{
		Level:         "B2",
		Score:         81,
		Feedback:      "Solid conversational flow.",
		CorrectedText: "I went to the park.",
		Corrections: []analysis.Correction{
			{Original: "I go park", Suggested: "I went to the park", Explanation: "past tense", Category: "grammar"},
		},
	})

	text := out.String()
	for _, want := range []string{"B2", "81/100", "Solid conversational flow.", "I went to the park.", "grammar"} {
		if !strings.Contains(text, want) {
			t.Fatalf("report output missing %q:\n%s", want, text)
		}
	}
}

func TestMicFFmpegArgs(t *testing.T) {
	t.Parallel()

	darwin, err := micFFmpegArgs("darwin")
	if err != nil {
		t.Fatalf("darwin: %v", err)
	}
	if !strings.Contains(strings.Join(darwin, " "), "avfoundation") {
		t.Fatalf("darwin args=%v", darwin)
	}

	linux, err := micFFmpegArgs("linux")
	if err != nil {
		t.Fatalf("linux: %v", err)
	}
	joined := strings.Join(linux, " ")
	if !strings.Contains(joined, "pulse") || !strings.Contains(joined, "16000") {
		t.Fatalf("linux args=%v", linux)
	}

	if _, err := micFFmpegArgs("windows"); err == nil {
		t.Fatal("expected error for unsupported platform")
	}
}
