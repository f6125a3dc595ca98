package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/lingopal-ai/lingopal/pkg/capture"
	"github.com/lingopal-ai/lingopal/pkg/pcm"
	"github.com/lingopal-ai/lingopal/pkg/playback"
)

// ffmpegMicDevice captures s16le mono PCM from the default microphone via
// an ffmpeg child process.
type ffmpegMicDevice struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newFFmpegMicDevice() (*ffmpegMicDevice, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)", capture.ErrDeviceUnavailable)
	}
	return &ffmpegMicDevice{}, nil
}

func micFFmpegArgs(goos string) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":0",
			"-ac", "1", "-ar", fmt.Sprintf("%d", pcm.InputSampleRate),
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", "1", "-ar", fmt.Sprintf("%d", pcm.InputSampleRate),
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("%w: mic capture is not implemented for %s; supported platforms: darwin, linux", capture.ErrDeviceUnavailable, goos)
	}
}

func (d *ffmpegMicDevice) Start(ctx context.Context) error {
	args, err := micFFmpegArgs(runtime.GOOS)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg mic capture: %v", capture.ErrDeviceUnavailable, err)
	}
	d.mu.Lock()
	d.cmd = cmd
	d.stdout = stdout
	d.mu.Unlock()
	return nil
}

func (d *ffmpegMicDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	stdout := d.stdout
	d.mu.Unlock()
	if stdout == nil {
		return 0, io.EOF
	}
	return stdout.Read(p)
}

func (d *ffmpegMicDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
		_ = d.cmd.Wait()
	}
	d.cmd = nil
	d.stdout = nil
	return nil
}

// ffplaySpeaker owns a single long-lived ffplay process that consumes s16le
// mono PCM on stdin.
type ffplaySpeaker struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFplaySpeaker() (*ffplaySpeaker, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	s := &ffplaySpeaker{}
	if err := s.startLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ffplaySpeaker) startLocked() error {
	s.cmd = exec.Command("ffplay",
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", pcm.OutputSampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	s.cmd.Stdout = io.Discard
	s.cmd.Stderr = io.Discard
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.stdin = stdin
	return nil
}

func (s *ffplaySpeaker) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return errors.New("ffplay stdin is not initialized")
	}
	_, err := s.stdin.Write(data)
	return err
}

func (s *ffplaySpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.stdin = nil
	return nil
}

// ffplayRenderer adapts the speaker to the scheduler's renderer contract:
// each chunk's bytes are written at its committed start time, and the
// source reports its natural end one chunk-duration later. ffplay consumes
// the pipe in real time, so writes paced this way play back-to-back.
type ffplayRenderer struct {
	clock   playback.Clock
	speaker *ffplaySpeaker
	logger  *slog.Logger
}

func newFFplayRenderer(clock playback.Clock, speaker *ffplaySpeaker, logger *slog.Logger) *ffplayRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ffplayRenderer{clock: clock, speaker: speaker, logger: logger}
}

type ffplaySource struct {
	once sync.Once
	done chan struct{}
}

func (s *ffplaySource) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (r *ffplayRenderer) Start(chunk playback.Chunk, startAt float64, onEnded func()) (playback.Source, error) {
	data := pcm.EncodeFloat32(chunk.Samples)
	src := &ffplaySource{done: make(chan struct{})}
	go func() {
		if delay := startAt - r.clock.Now(); delay > 0 {
			select {
			case <-time.After(time.Duration(delay * float64(time.Second))):
			case <-src.done:
				return
			}
		}
		if err := r.speaker.write(data); err != nil {
			r.logger.Warn("playback write failed", "err", err)
			onEnded()
			return
		}
		select {
		case <-time.After(time.Duration(chunk.Duration() * float64(time.Second))):
			onEnded()
		case <-src.done:
		}
	}()
	return src, nil
}
