// Package session coordinates one speaking-practice conversation: it wires
// microphone frames into the live transport, routes server events to
// playback and the transcript, and runs the end-of-session evaluation.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lingopal-ai/lingopal/pkg/analysis"
	"github.com/lingopal-ai/lingopal/pkg/live/protocol"
	"github.com/lingopal-ai/lingopal/pkg/pcm"
	"github.com/lingopal-ai/lingopal/pkg/transcript"
)

// DefaultMinExchanges is how many user turns a conversation needs before it
// can be finished and graded. Shorter sessions give the evaluator too
// little signal.
const DefaultMinExchanges = 10

// State is the controller lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFinishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFinishing:
		return "finishing"
	default:
		return "unknown"
	}
}

// LiveSession is the duplex transport the controller drives.
type LiveSession interface {
	Events() <-chan protocol.Event
	SendAudio(data string)
	Close() error
	Err() error
}

// Capture is the microphone pipeline.
type Capture interface {
	OnFrame(fn func(samples []float32))
	OnError(fn func(err error))
	Start(ctx context.Context) error
	Stop()
	Level() float64
}

// Player schedules decoded model audio.
type Player interface {
	Enqueue(samples []float32, sampleRate int)
	StopAll()
	Live() int
}

// Analyzer grades the finished conversation.
type Analyzer interface {
	EvaluateConversation(ctx context.Context, messages []transcript.Message) (*analysis.Report, error)
}

// Config wires the controller's collaborators. Dial, Capture, Player and
// Analyzer are required.
type Config struct {
	Dial         func(ctx context.Context) (LiveSession, error)
	Capture      Capture
	Player       Player
	Analyzer     Analyzer
	MinExchanges int
	Logger       *slog.Logger
}

// Controller owns the session state machine. Start, ToggleMute and Finish
// may be called from any goroutine.
type Controller struct {
	cfg       Config
	logger    *slog.Logger
	history   *transcript.History
	assembler *transcript.Assembler

	state atomic.Int32
	muted atomic.Bool

	mu       sync.Mutex
	session  LiveSession
	loopDone chan struct{}

	teardownOnce sync.Once
	finishMu     sync.Mutex
	report       *analysis.Report
}

// ErrNotEnoughExchanges is returned by Finish when the conversation is too
// short to grade.
var ErrNotEnoughExchanges = errors.New("session: not enough exchanges to finish")

// ErrAlreadyStarted is returned by Start when the controller left Idle.
var ErrAlreadyStarted = errors.New("session: already started")

// NewController builds an idle controller.
func NewController(cfg Config) *Controller {
	if cfg.MinExchanges <= 0 {
		cfg.MinExchanges = DefaultMinExchanges
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	history := &transcript.History{}
	return &Controller{
		cfg:       cfg,
		logger:    logger,
		history:   history,
		assembler: transcript.NewAssembler(history),
	}
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Muted reports whether inbound audio is currently suppressed.
func (c *Controller) Muted() bool { return c.muted.Load() }

// Level reports the current microphone input level in [0,1].
func (c *Controller) Level() float64 { return c.cfg.Capture.Level() }

// History exposes the committed conversation record.
func (c *Controller) History() *transcript.History { return c.history }

// Start dials the live transport, starts microphone capture, and begins
// routing events. It returns once the session is connected and flowing.
func (c *Controller) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}

	sess, err := c.cfg.Dial(ctx)
	if err != nil {
		c.state.Store(int32(StateIdle))
		return err
	}

	c.mu.Lock()
	c.session = sess
	c.loopDone = make(chan struct{})
	c.mu.Unlock()

	c.cfg.Capture.OnFrame(func(samples []float32) {
		if c.State() != StateConnected {
			return
		}
		sess.SendAudio(pcm.EncodeBase64(pcm.EncodeFloat32(samples)))
	})
	c.cfg.Capture.OnError(func(err error) {
		c.logger.Error("session: capture failed", "err", err)
		c.state.CompareAndSwap(int32(StateConnected), int32(StateIdle))
	})
	if err := c.cfg.Capture.Start(ctx); err != nil {
		sess.Close()
		// The event loop never starts, so teardown must not wait on it.
		c.mu.Lock()
		c.session = nil
		c.loopDone = nil
		c.mu.Unlock()
		c.state.Store(int32(StateIdle))
		return err
	}

	c.state.Store(int32(StateConnected))
	go c.eventLoop(sess)
	return nil
}

// eventLoop is the single consumer of the transport's event channel, so
// transcript deltas and turn boundaries are applied in arrival order.
func (c *Controller) eventLoop(sess LiveSession) {
	defer close(c.loopDone)
	// A transport that dies mid-session leaves the controller Idle;
	// Finish and Shutdown own their own state transitions.
	defer c.state.CompareAndSwap(int32(StateConnected), int32(StateIdle))
	for ev := range sess.Events() {
		switch ev := ev.(type) {
		case protocol.AudioChunkEvent:
			if c.muted.Load() {
				continue
			}
			c.cfg.Player.Enqueue(pcm.DecodePCM16(ev.Data), ev.SampleRate)
		case protocol.InputTranscriptEvent:
			c.assembler.OnInputDelta(ev.Text)
		case protocol.OutputTranscriptEvent:
			c.assembler.OnOutputDelta(ev.Text)
		case protocol.TurnCompleteEvent:
			c.assembler.OnTurnComplete()
		case protocol.ErrorEvent:
			c.logger.Error("session: server error", "code", ev.Err.Code, "message", ev.Err.Message)
		case protocol.ClosedEvent:
			c.logger.Debug("session: transport closed")
		}
	}
	// The channel is closed, so the transport's terminal error is settled.
	if err := sess.Err(); err != nil {
		c.logger.Error("session: transport failed", "err", err)
	}
}

// ToggleMute flips inbound-audio suppression and returns the new setting.
// Muting only skips scheduling of new chunks; chunks already playing run to
// their natural end, and unmuting needs no recovery work.
func (c *Controller) ToggleMute() bool {
	for {
		old := c.muted.Load()
		if c.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// CanFinish reports whether the conversation has enough user turns to be
// graded.
func (c *Controller) CanFinish() bool {
	return c.history.UserMessages() >= c.cfg.MinExchanges
}

// teardown stops capture, closes the transport, silences playback, and
// waits for the event loop to drain. Safe to call more than once.
func (c *Controller) teardown() {
	c.teardownOnce.Do(func() {
		c.cfg.Capture.Stop()
		c.mu.Lock()
		sess := c.session
		done := c.loopDone
		c.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		if done != nil {
			<-done
		}
		c.cfg.Player.StopAll()
	})
}

// Shutdown tears the session down without grading it. Used when the user
// exits early.
func (c *Controller) Shutdown() {
	c.state.Store(int32(StateFinishing))
	c.teardown()
	c.state.Store(int32(StateIdle))
}

// Finish ends the conversation and grades it. The transport, microphone and
// playback are torn down before the evaluator runs, so the report reflects
// the full committed transcript. A successful grade is cached and repeated
// calls return it without re-running the evaluator. A failed evaluation is
// not cached: the transcript survives teardown, so Finish may be called
// again to retry the grading alone.
func (c *Controller) Finish(ctx context.Context) (*analysis.Report, error) {
	if !c.CanFinish() {
		return nil, ErrNotEnoughExchanges
	}
	c.finishMu.Lock()
	defer c.finishMu.Unlock()
	if c.report != nil {
		return c.report, nil
	}

	c.state.Store(int32(StateFinishing))
	c.teardown()
	report, err := c.cfg.Analyzer.EvaluateConversation(ctx, c.history.Messages())
	c.state.Store(int32(StateIdle))
	if err != nil {
		return nil, err
	}
	c.report = report
	return report, nil
}
