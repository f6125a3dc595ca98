// Command lingopal is a terminal language-learning assistant. Practice mode
// holds a spoken conversation with a live model and grades it afterwards;
// essay mode corrects written (or photographed) essays; translate mode
// renders text into the practice language.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lingopal-ai/lingopal/internal/dotenv"
	"github.com/lingopal-ai/lingopal/pkg/analysis"
	"github.com/lingopal-ai/lingopal/pkg/capture"
	"github.com/lingopal-ai/lingopal/pkg/live"
	"github.com/lingopal-ai/lingopal/pkg/playback"
	"github.com/lingopal-ai/lingopal/pkg/session"
)

const (
	defaultLiveModel = "models/gemini-2.0-flash-live-001"
	defaultVoice     = "Puck"
	defaultLanguage  = "English"

	levelMeterWidth = 20
)

type appConfig struct {
	Mode          string
	APIKey        string
	LiveModel     string
	AnalysisModel string
	Voice         string
	Language      string
	MinExchanges  int
	EssayFile     string
	ImageFile     string
	Verbose       bool
}

func parseAppConfig(args []string, getenv func(string) string) (appConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := appConfig{}
	fs := flag.NewFlagSet("lingopal", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.Mode, "mode", "practice", "practice, essay, or translate")
	fs.StringVar(&cfg.LiveModel, "model", defaultLiveModel, "live conversation model")
	fs.StringVar(&cfg.AnalysisModel, "analysis-model", analysis.DefaultModel, "model used for grading and translation")
	fs.StringVar(&cfg.Voice, "voice", defaultVoice, "synthesized voice name")
	fs.StringVar(&cfg.Language, "language", defaultLanguage, "language being practiced")
	fs.IntVar(&cfg.MinExchanges, "min-exchanges", session.DefaultMinExchanges, "user turns required before a practice session can be graded")
	fs.StringVar(&cfg.EssayFile, "essay-file", "", "essay mode: path to a text file (default: read stdin)")
	fs.StringVar(&cfg.ImageFile, "image", "", "essay mode: path to a photo of a handwritten essay")
	fs.BoolVar(&cfg.Verbose, "v", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return appConfig{}, err
	}

	cfg.APIKey = strings.TrimSpace(getenv("GEMINI_API_KEY"))
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(getenv("GOOGLE_API_KEY"))
	}

	if err := validateAppConfig(cfg); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func validateAppConfig(cfg appConfig) error {
	switch cfg.Mode {
	case "practice", "essay", "translate":
	default:
		return fmt.Errorf("unknown mode %q: expected practice, essay, or translate", cfg.Mode)
	}
	if cfg.APIKey == "" {
		return errors.New("GEMINI_API_KEY (or GOOGLE_API_KEY) is required")
	}
	if strings.TrimSpace(cfg.LiveModel) == "" {
		return errors.New("model must not be empty")
	}
	if cfg.MinExchanges <= 0 {
		return errors.New("min-exchanges must be > 0")
	}
	if cfg.EssayFile != "" && cfg.ImageFile != "" {
		return errors.New("essay-file and image are mutually exclusive")
	}
	return nil
}

func systemInstruction(language string) string {
	return fmt.Sprintf("You are a friendly %s conversation partner for a language learner. "+
		"Keep replies short and conversational, ask follow-up questions, and always answer in %s.",
		language, language)
}

// levelBar renders a mic level in [0,1] as a fixed-width meter.
func levelBar(level float64) string {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	filled := int(level * levelMeterWidth)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", levelMeterWidth-filled) + "]"
}

func printReport(out io.Writer, report *analysis.Report) {
	fmt.Fprintf(out, "\nLevel: %s   Score: %.0f/100\n", report.Level, report.Score)
	fmt.Fprintf(out, "\n%s\n", report.Feedback)
	if strings.TrimSpace(report.CorrectedText) != "" {
		fmt.Fprintf(out, "\nCorrected:\n%s\n", report.CorrectedText)
	}
	if len(report.Corrections) > 0 {
		fmt.Fprintln(out, "\nCorrections:")
		for _, c := range report.Corrections {
			fmt.Fprintf(out, "  - [%s] %q -> %q (%s)\n", c.Category, c.Original, c.Suggested, c.Explanation)
		}
	}
}

func runPractice(ctx context.Context, cfg appConfig, logger *slog.Logger, in io.Reader, out, errOut io.Writer) error {
	analyzer, err := analysis.NewService(ctx, cfg.APIKey, cfg.AnalysisModel, cfg.Language)
	if err != nil {
		return err
	}

	mic, err := newFFmpegMicDevice()
	if err != nil {
		return err
	}
	speaker, err := newFFplaySpeaker()
	if err != nil {
		return err
	}
	defer speaker.Close()

	clock := playback.NewMonotonicClock()
	sched := playback.NewScheduler(clock, newFFplayRenderer(clock, speaker, logger), logger)

	ctrl := session.NewController(session.Config{
		Dial: func(ctx context.Context) (session.LiveSession, error) {
			return live.Connect(ctx, live.Config{
				APIKey:            cfg.APIKey,
				Model:             cfg.LiveModel,
				Voice:             cfg.Voice,
				SystemInstruction: systemInstruction(cfg.Language),
				Logger:            logger,
			})
		},
		Capture:      capture.New(mic, logger),
		Player:       sched,
		Analyzer:     analyzer,
		MinExchanges: cfg.MinExchanges,
		Logger:       logger,
	})

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "Connected. Speak %s into your microphone.\n", cfg.Language)
	fmt.Fprintf(out, "Commands: /mute, /level, /transcript, /finish (after %d exchanges), /exit.\n", cfg.MinExchanges)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			ctrl.Shutdown()
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read command: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/mute":
			if ctrl.ToggleMute() {
				fmt.Fprintln(out, "assistant muted (your mic stays on)")
			} else {
				fmt.Fprintln(out, "assistant unmuted")
			}
		case "/level":
			fmt.Fprintf(out, "mic %s\n", levelBar(ctrl.Level()))
		case "/transcript":
			for _, m := range ctrl.History().Messages() {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Text)
			}
		case "/finish":
			if !ctrl.CanFinish() {
				fmt.Fprintf(errOut, "keep talking: %d of %d exchanges so far\n",
					ctrl.History().UserMessages(), cfg.MinExchanges)
				continue
			}
			fmt.Fprintln(out, "grading your conversation...")
			finishCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			report, err := ctrl.Finish(finishCtx)
			cancel()
			if err != nil {
				fmt.Fprintf(errOut, "analysis failed: %v\n", err)
				fmt.Fprintln(errOut, "your transcript is intact; run /finish to retry")
				continue
			}
			printReport(out, report)
			return nil
		case "/exit", "/quit":
			ctrl.Shutdown()
			fmt.Fprintln(out, "bye")
			return nil
		default:
			fmt.Fprintln(out, "commands: /mute, /level, /transcript, /finish, /exit")
		}
	}
}

func runEssay(ctx context.Context, cfg appConfig, in io.Reader, out io.Writer) error {
	analyzer, err := analysis.NewService(ctx, cfg.APIKey, cfg.AnalysisModel, cfg.Language)
	if err != nil {
		return err
	}

	var essay string
	switch {
	case cfg.ImageFile != "":
		img, err := os.ReadFile(cfg.ImageFile)
		if err != nil {
			return fmt.Errorf("read essay image: %w", err)
		}
		fmt.Fprintln(out, "transcribing image...")
		essay, err = analyzer.TranscribeImage(ctx, img, mimeTypeForPath(cfg.ImageFile))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Transcribed essay:\n%s\n", essay)
	case cfg.EssayFile != "":
		raw, err := os.ReadFile(cfg.EssayFile)
		if err != nil {
			return fmt.Errorf("read essay file: %w", err)
		}
		essay = string(raw)
	default:
		fmt.Fprintln(out, "Paste your essay, then press Ctrl-D:")
		raw, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("read essay: %w", err)
		}
		essay = string(raw)
	}

	report, err := analyzer.CorrectEssay(ctx, essay)
	if err != nil {
		return err
	}
	printReport(out, report)
	return nil
}

func mimeTypeForPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func runTranslate(ctx context.Context, cfg appConfig, in io.Reader, out, errOut io.Writer) error {
	analyzer, err := analysis.NewService(ctx, cfg.APIKey, cfg.AnalysisModel, cfg.Language)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Translating into %s. Type a sentence per line, /exit to quit.\n", cfg.Language)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}
		translated, err := analyzer.Translate(ctx, line)
		if err != nil {
			fmt.Fprintf(errOut, "translate error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, translated)
	}
}

func run(ctx context.Context, cfg appConfig, in io.Reader, out, errOut io.Writer) error {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	switch cfg.Mode {
	case "practice":
		return runPractice(ctx, cfg, logger, in, out, errOut)
	case "essay":
		return runEssay(ctx, cfg, in, out)
	case "translate":
		return runTranslate(ctx, cfg, in, out, errOut)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "lingopal: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseAppConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lingopal: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "lingopal: %v\n", err)
		os.Exit(1)
	}
}
