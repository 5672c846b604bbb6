// Package gate turns a continuous stream of audio frames into discrete
// utterance segments.
//
// The gate is a pure hysteresis state machine layered on a per-frame speech
// probability from a vad.SessionHandle: a run of contiguous speech frames
// opens an utterance (handing over the pre-roll buffer so speech onset is not
// truncated), a run of contiguous silence frames or a maximum-duration bound
// closes it. It performs no I/O, which keeps every transition unit-testable
// without a device or network.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/earshot-audio/earshot/pkg/audio"
	"github.com/earshot-audio/earshot/pkg/provider/vad"
)

// State is the gate's lifecycle position.
type State int

const (
	// Idle means no utterance is active; frames accumulate in the pre-roll
	// ring while the gate watches for a speech run.
	Idle State = iota

	// Triggered means an utterance is active; frames belong to it.
	Triggered

	// Closing means an utterance just ended and its session teardown is in
	// progress. Frames fed in this state are ignored; Reset returns the gate
	// to Idle.
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Triggered:
		return "triggered"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EndReason tags how an utterance terminated.
type EndReason string

const (
	// ReasonSilenceEnd: the silence run reached the configured threshold.
	ReasonSilenceEnd EndReason = "silence_end"

	// ReasonMaxDuration: the utterance hit the maximum-duration bound.
	ReasonMaxDuration EndReason = "max_duration"

	// ReasonShortSpeech: the utterance ended below the minimum-speech floor
	// and its audio is discarded without finalizing.
	ReasonShortSpeech EndReason = "short_speech"
)

// EventType classifies what a Feed call produced.
type EventType int

const (
	// EventNone: no transition this frame.
	EventNone EventType = iota

	// EventStart: the gate transitioned Idle -> Triggered.
	EventStart

	// EventEnd: the gate transitioned Triggered -> Closing.
	EventEnd
)

// Event is the outcome of feeding one frame.
type Event struct {
	Type EventType

	// Preroll holds the flattened pre-roll audio on EventStart, oldest frame
	// first, byte order preserved. It includes the frames of the triggering
	// speech run.
	Preroll []byte

	// Forward reports whether this frame belongs to the active utterance and
	// should be streamed to the session. Never true on EventStart (the frame
	// is already inside Preroll) or EventEnd (the boundary frame closed the
	// utterance; finalization follows, not more audio).
	Forward bool

	// Reason and Discard are set on EventEnd. Discard means the utterance
	// was below the minimum-speech floor: close any open session without
	// finalizing and publish nothing.
	Reason  EndReason
	Discard bool
}

// Config holds the gate thresholds, all expressed in frames. Use FramesFor
// to convert millisecond settings given the capture frame duration.
type Config struct {
	// Threshold is the speech probability above which a frame counts as
	// speech. Strictly greater-than.
	Threshold float64

	// MinSpeechFrames is the contiguous speech run that opens an utterance.
	MinSpeechFrames int

	// SilenceFrames is the contiguous silence run that closes an utterance.
	SilenceFrames int

	// MinUtteranceSpeechFrames is the floor of total speech frames below
	// which a closed utterance is discarded as accidental noise.
	MinUtteranceSpeechFrames int

	// MaxUtteranceFrames bounds the utterance length; reaching it forces an
	// end regardless of silence.
	MaxUtteranceFrames int

	// PrerollFrames is the pre-roll ring capacity.
	PrerollFrames int
}

func (c Config) validate() error {
	var errs []error
	if c.Threshold <= 0 || c.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("threshold must be in (0, 1), got %g", c.Threshold))
	}
	if c.MinSpeechFrames <= 0 {
		errs = append(errs, fmt.Errorf("min speech frames must be positive, got %d", c.MinSpeechFrames))
	}
	if c.SilenceFrames <= 0 {
		errs = append(errs, fmt.Errorf("silence frames must be positive, got %d", c.SilenceFrames))
	}
	if c.MaxUtteranceFrames <= 0 {
		errs = append(errs, fmt.Errorf("max utterance frames must be positive, got %d", c.MaxUtteranceFrames))
	}
	if c.PrerollFrames <= 0 {
		errs = append(errs, fmt.Errorf("preroll frames must be positive, got %d", c.PrerollFrames))
	}
	return errors.Join(errs...)
}

// FramesFor converts a duration-based setting into a frame count, rounding
// up so the configured duration is always covered.
func FramesFor(d, frame time.Duration) int {
	if frame <= 0 {
		return 0
	}
	return int((d + frame - 1) / frame)
}

// Gate drives the utterance state machine. Not safe for concurrent use; it
// is owned by the single pipeline loop.
type Gate struct {
	cfg Config
	vad vad.SessionHandle

	state        State
	ring         *prerollRing
	speechRun    int
	silenceRun   int
	utterFrames  int
	speechFrames int
	startedAt    time.Time
}

// New creates a Gate scoring frames with the given VAD session.
func New(cfg Config, sess vad.SessionHandle) (*Gate, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("gate: invalid config: %w", err)
	}
	if sess == nil {
		return nil, errors.New("gate: vad session must not be nil")
	}
	return &Gate{
		cfg:  cfg,
		vad:  sess,
		ring: newPrerollRing(cfg.PrerollFrames),
	}, nil
}

// State returns the current lifecycle position.
func (g *Gate) State() State { return g.state }

// StartedAt returns the active utterance's start timestamp. Zero when Idle.
func (g *Gate) StartedAt() time.Time { return g.startedAt }

// UtteranceFrames returns how many frames the active utterance has consumed
// since triggering.
func (g *Gate) UtteranceFrames() int { return g.utterFrames }

// Feed scores one frame and advances the state machine.
func (g *Gate) Feed(frame audio.Frame) (Event, error) {
	if g.state == Closing {
		return Event{}, nil
	}

	p, err := g.vad.Probability(frame.Data)
	if err != nil {
		return Event{}, fmt.Errorf("gate: classify frame %d: %w", frame.Seq, err)
	}
	speech := p > g.cfg.Threshold

	switch g.state {
	case Idle:
		return g.feedIdle(frame, speech), nil
	case Triggered:
		return g.feedTriggered(speech), nil
	}
	return Event{}, nil
}

func (g *Gate) feedIdle(frame audio.Frame, speech bool) Event {
	g.ring.append(frame.Data)

	if !speech {
		g.speechRun = 0
		return Event{}
	}
	g.speechRun++
	if g.speechRun < g.cfg.MinSpeechFrames {
		return Event{}
	}

	// Trigger. The run frames are already in the ring, so they travel with
	// the pre-roll rather than being forwarded separately.
	preroll := g.ring.flatten()
	g.ring.clear()
	g.state = Triggered
	g.startedAt = frame.Timestamp
	g.utterFrames = g.speechRun
	g.speechFrames = g.speechRun
	g.speechRun = 0
	g.silenceRun = 0
	return Event{Type: EventStart, Preroll: preroll}
}

func (g *Gate) feedTriggered(speech bool) Event {
	g.utterFrames++
	if speech {
		g.speechFrames++
		g.silenceRun = 0
	} else {
		g.silenceRun++
	}

	// Max duration wins when both bounds are crossed on the same frame.
	if g.utterFrames >= g.cfg.MaxUtteranceFrames {
		return g.end(ReasonMaxDuration)
	}
	if g.silenceRun >= g.cfg.SilenceFrames {
		if g.speechFrames < g.cfg.MinUtteranceSpeechFrames {
			return g.end(ReasonShortSpeech)
		}
		return g.end(ReasonSilenceEnd)
	}
	return Event{Forward: true}
}

func (g *Gate) end(reason EndReason) Event {
	g.state = Closing
	return Event{
		Type:    EventEnd,
		Reason:  reason,
		Discard: reason == ReasonShortSpeech,
	}
}

// Reset returns the gate to Idle, clearing run counters, the pre-roll
// buffer, and the VAD session's internal smoothing state. Called by the
// pipeline after session teardown completes; also valid mid-utterance to
// abandon it (e.g. on connect failure).
func (g *Gate) Reset() {
	g.state = Idle
	g.ring.clear()
	g.speechRun = 0
	g.silenceRun = 0
	g.utterFrames = 0
	g.speechFrames = 0
	g.startedAt = time.Time{}
	g.vad.Reset()
}
