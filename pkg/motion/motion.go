package motion

import (
	"fmt"
	"sync/atomic"
)

type State int32

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// Cell is the shared motion flag. The analyzer writes it from the frame
// path and the orchestrator reads it from its polling loop.
type Cell struct {
	v atomic.Int32
}

func (c *Cell) Load() State   { return State(c.v.Load()) }
func (c *Cell) Store(s State) { c.v.Store(int32(s)) }

// FrameAnalyzer turns vector frames into a debounced motion state.
type FrameAnalyzer interface {
	Analyze(frame *VectorFrame) (State, error)
}

type Config struct {
	// Threshold is the weighted vector magnitude a block must exceed to count as active.
	Threshold float64
	// MinActiveCells is the number of active blocks a frame must exceed to count as motion.
	MinActiveCells int
	// QuietFramesToClear is how many consecutive quiet frames are tolerated before motion clears.
	QuietFramesToClear int
}

// DefaultConfig clears motion after one second of quiet frames.
func DefaultConfig(framerate int) Config {
	return Config{
		Threshold:          20,
		MinActiveCells:     2,
		QuietFramesToClear: framerate,
	}
}

// Analyzer is a hysteresis motion detector. It is not safe for concurrent
// Analyze calls; the shared Cell is.
type Analyzer struct {
	cfg   Config
	mask  *Mask
	cell  *Cell
	state State
	quiet int

	lastActive int
}

// NewAnalyzer returns an analyzer publishing into cell. A nil mask weighs
// every block 1; a nil cell allocates a private one.
func NewAnalyzer(cfg Config, mask *Mask, cell *Cell) (*Analyzer, error) {
	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("threshold must not be negative")
	}
	if cfg.MinActiveCells < 0 || cfg.QuietFramesToClear < 0 {
		return nil, fmt.Errorf("frame counts must not be negative")
	}
	if cell == nil {
		cell = &Cell{}
	}
	cell.Store(Idle)
	return &Analyzer{cfg: cfg, mask: mask, cell: cell}, nil
}

// Analyze scores one frame and advances the state machine. A frame that does
// not match the mask is rejected with a SourceError and leaves all state untouched.
func (a *Analyzer) Analyze(frame *VectorFrame) (State, error) {
	if frame == nil || len(frame.Vectors) != frame.Cols*frame.Rows {
		return a.state, &SourceError{Reason: "malformed vector frame"}
	}
	if !a.mask.Fits(frame.Cols, frame.Rows) {
		return a.state, &SourceError{Reason: fmt.Sprintf("frame is %dx%d, mask is %dx%d",
			frame.Cols, frame.Rows, a.mask.Cols, a.mask.Rows)}
	}

	active := a.activeCells(frame)
	a.lastActive = active
	a.advance(active > a.cfg.MinActiveCells)
	a.cell.Store(a.state)
	return a.state, nil
}

func (a *Analyzer) activeCells(frame *VectorFrame) int {
	count := 0
	for r := 0; r < frame.Rows; r++ {
		for c := 0; c < frame.Cols; c++ {
			w := a.mask.Weight(c, r)
			if w == 0 {
				continue
			}
			if frame.At(c, r).Magnitude()*w > a.cfg.Threshold {
				count++
			}
		}
	}
	return count
}

func (a *Analyzer) advance(moving bool) {
	switch {
	case moving:
		// renewed activity restarts the quiet window
		a.state = Active
		a.quiet = 0
	case a.state == Active && a.quiet < a.cfg.QuietFramesToClear:
		a.quiet++
	case a.state == Active:
		a.state = Idle
		a.quiet = 0
	}
}

// State returns the analyzer's current state.
func (a *Analyzer) State() State { return a.state }

// QuietFrames returns the current run of quiet frames while active.
func (a *Analyzer) QuietFrames() int { return a.quiet }

// LastActiveCells returns the active block count of the last analyzed frame.
func (a *Analyzer) LastActiveCells() int { return a.lastActive }

// Cell returns the shared state cell the analyzer publishes to.
func (a *Analyzer) Cell() *Cell { return a.cell }
