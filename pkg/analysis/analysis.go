// Package analysis is the client for the external inference service: it
// grades conversations and essays into a structured report, translates
// text, and transcribes handwritten essay images.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/lingopal-ai/lingopal/pkg/transcript"
)

// DefaultModel is the text-analysis model identifier.
const DefaultModel = "gemini-2.0-flash"

// Correction is one point-correction inside a report.
type Correction struct {
	Original    string `json:"original"`
	Suggested   string `json:"suggested"`
	Explanation string `json:"explanation"`
	Category    string `json:"category"`
}

// Report is the structured result of grading a conversation or an essay.
type Report struct {
	Level         string       `json:"level"`
	Score         float64      `json:"score"`
	Feedback      string       `json:"feedback"`
	CorrectedText string       `json:"correctedText"`
	Corrections   []Correction `json:"corrections"`
}

// Error wraps inference-service failures. It is distinct from transport
// errors: the conversation data is not lost, only the scoring step, so the
// caller may retry analysis without recapturing audio.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("analysis %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// generator is the request/response seam to the inference backend.
type generator interface {
	generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)
}

type genaiGenerator struct {
	client *genai.Client
	model  string
}

func (g *genaiGenerator) generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Service exposes the three analysis modes over one inference client.
type Service struct {
	gen      generator
	language string
}

// NewService builds a Service for the given API key and practice language
// (e.g. "English"). An empty model selects DefaultModel.
func NewService(ctx context.Context, apiKey, model, language string) (*Service, error) {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &Error{Op: "client", Err: err}
	}
	return &Service{
		gen:      &genaiGenerator{client: client, model: model},
		language: language,
	}, nil
}

func reportSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"level":         {Type: genai.TypeString, Description: "CEFR-style level rating, e.g. B1"},
			"score":         {Type: genai.TypeNumber, Description: "overall score from 0 to 100"},
			"feedback":      {Type: genai.TypeString, Description: "free-text feedback for the learner"},
			"correctedText": {Type: genai.TypeString, Description: "corrected or idealized version of the input"},
			"corrections": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"original":    {Type: genai.TypeString},
						"suggested":   {Type: genai.TypeString},
						"explanation": {Type: genai.TypeString},
						"category":    {Type: genai.TypeString},
					},
					Required: []string{"original", "suggested", "explanation", "category"},
				},
			},
		},
		Required: []string{"level", "score", "feedback", "correctedText", "corrections"},
	}
}

func (s *Service) structured(ctx context.Context, op, prompt string) (*Report, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   reportSchema(),
	}
	raw, err := s.gen.generate(ctx, genai.Text(prompt), cfg)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("malformed report: %w", err)}
	}
	return &report, nil
}

// EvaluateConversation grades a completed speaking-practice transcript.
func (s *Service) EvaluateConversation(ctx context.Context, messages []transcript.Message) (*Report, error) {
	if len(messages) == 0 {
		return nil, &Error{Op: "evaluate", Err: fmt.Errorf("empty conversation")}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Rate the learner's spoken %s in this conversation. Judge only the learner's lines.\n\n", s.language)
	for _, m := range messages {
		speaker := "Learner"
		if m.Role == transcript.RoleModel {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Text)
	}
	return s.structured(ctx, "evaluate", b.String())
}

// CorrectEssay grades and corrects a written essay.
func (s *Service) CorrectEssay(ctx context.Context, essay string) (*Report, error) {
	if strings.TrimSpace(essay) == "" {
		return nil, &Error{Op: "essay", Err: fmt.Errorf("empty essay")}
	}
	prompt := fmt.Sprintf("Correct and rate this %s essay:\n\n%s", s.language, essay)
	return s.structured(ctx, "essay", prompt)
}

// Translate renders text into the practice language with a short usage note.
func (s *Service) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", &Error{Op: "translate", Err: fmt.Errorf("empty text")}
	}
	prompt := fmt.Sprintf("Translate into natural %s, then add one line explaining any idiomatic choice:\n\n%s", s.language, text)
	out, err := s.gen.generate(ctx, genai.Text(prompt), nil)
	if err != nil {
		return "", &Error{Op: "translate", Err: err}
	}
	return strings.TrimSpace(out), nil
}

// TranscribeImage extracts the handwritten or printed text from an essay
// photo so it can be fed through CorrectEssay.
func (s *Service) TranscribeImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", &Error{Op: "transcribe", Err: fmt.Errorf("empty image")}
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, mimeType),
			genai.NewPartFromText("Transcribe the text in this image exactly, preserving line breaks."),
		}, genai.RoleUser),
	}
	out, err := s.gen.generate(ctx, contents, nil)
	if err != nil {
		return "", &Error{Op: "transcribe", Err: err}
	}
	return strings.TrimSpace(out), nil
}
