// Package capture drives the switch between pre-roll buffering and segment
// recording as motion starts and stops, and hands finished events over for
// stitching.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"motioncam/pkg/motion"
	"motioncam/pkg/preroll"
	"motioncam/pkg/record"
	"motioncam/pkg/stitch"
	"motioncam/pkg/timeutil"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

type Phase int

const (
	Buffering Phase = iota
	// Starting waits for the sink to switch to the segment file on a keyframe.
	Starting
	PreRollSaved
	Recording
	PostRoll
	PostRollSaved
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case PreRollSaved:
		return "pre-roll-saved"
	case Recording:
		return "recording"
	case PostRoll:
		return "post-roll"
	case PostRollSaved:
		return "post-roll-saved"
	default:
		return "buffering"
	}
}

// MotionSource is read once per poll.
type MotionSource interface {
	Load() motion.State
}

// Sink is the recording destination switch. Start and RedirectToBuffer take
// effect on the next keyframe; IsRecording reports when the segment file is
// receiving video.
type Sink interface {
	Start(path string) error
	IsRecording() bool
	RedirectToBuffer() (record.Segment, error)
	CloseSegment() (record.Segment, error)
	Stop() (record.Segment, error)
	Err() error
}

// Buffer is the pre-roll store.
type Buffer interface {
	SnapshotTo(path string, d time.Duration, opts ...preroll.SnapshotOption) (preroll.Snapshot, error)
	Clear()
	Window() time.Duration
}

type Stitcher interface {
	Stitch(ctx context.Context, job stitch.Job) (stitch.Result, error)
}

// Notifier receives event updates, e.g. the relay connection.
type Notifier interface {
	Send(messageType string, payload interface{}) error
}

// Event is one motion event. Paths are filled in as each phase completes and
// cleared when the segment ended up empty.
type Event struct {
	ID         string        `json:"id"`
	Start      time.Time     `json:"start"`
	Base       string        `json:"-"`
	BeforePath string        `json:"beforePath,omitempty"`
	DuringPath string        `json:"duringPath,omitempty"`
	AfterPath  string        `json:"afterPath,omitempty"`
	PreRoll    time.Duration `json:"preRoll"`
	During     time.Duration `json:"during"`
	PostRoll   time.Duration `json:"postRoll"`
}

// Duration is the total footage captured for the event.
func (e Event) Duration() time.Duration {
	return e.PreRoll + e.During + e.PostRoll
}

func (e Event) hasFootage() bool {
	return e.BeforePath != "" || e.DuringPath != "" || e.AfterPath != ""
}

type Options struct {
	// OutputPrefix is prepended to each event's timestamp to name its files.
	OutputPrefix string
	// PostRoll is how much footage is kept after motion ends.
	PostRoll time.Duration
	// Grace is how long motion must stay idle before the during segment is closed.
	Grace time.Duration
	// PollInterval is the motion polling cadence.
	PollInterval time.Duration
	// MaxEvent closes an event after this long even if motion continues. Zero disables it.
	MaxEvent time.Duration
	// SwitchTimeout bounds the wait for the sink to reach a keyframe.
	SwitchTimeout time.Duration
	// ShutdownTimeout bounds how long Run waits for pending stitches on exit.
	ShutdownTimeout time.Duration
	// Extension of segment files
	Extension string
	Clock     timeutil.Clock
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.SwitchTimeout <= 0 {
		o.SwitchTimeout = 5 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.Extension == "" {
		o.Extension = ".h264"
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Phase     string `json:"phase"`
	Event     *Event `json:"event,omitempty"`
	Completed int    `json:"completed"`
	Aborted   int    `json:"aborted"`
	LastError string `json:"lastError,omitempty"`
}

type Orchestrator struct {
	opts     Options
	motion   MotionSource
	sink     Sink
	buffer   Buffer
	stitcher Stitcher
	notifier Notifier

	mu            sync.Mutex
	phase         Phase
	event         *Event
	graceUntil    time.Time
	postRollUntil time.Time
	completed     int
	aborted       int
	lastErr       error

	stitchCtx    context.Context
	cancelStitch context.CancelFunc
	stitches     sync.WaitGroup
}

// New wires an orchestrator. stitcher and notifier may be nil.
func New(opts Options, src MotionSource, sink Sink, buffer Buffer, stitcher Stitcher, notifier Notifier) *Orchestrator {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:         opts,
		motion:       src,
		sink:         sink,
		buffer:       buffer,
		stitcher:     stitcher,
		notifier:     notifier,
		stitchCtx:    ctx,
		cancelStitch: cancel,
	}
}

// Run polls motion until ctx is cancelled, then closes out any in-flight
// event and waits (bounded) for pending stitches.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := o.opts.Clock.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	log.Info().Dur("poll", o.opts.PollInterval).Msg("Capture loop started")
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-ticker.C():
			o.Step()
		}
	}
}

// Step runs one poll of the state machine. The saved phases last until the
// next poll, which carries on from them without waiting another interval.
func (o *Orchestrator) Step() {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.opts.Clock.Now()

	switch o.phase {
	case PreRollSaved:
		o.phase = Recording
	case PostRollSaved:
		o.phase = Buffering
	}

	if o.phase == Starting || o.phase == Recording {
		if err := o.sink.Err(); err != nil {
			o.abort(err)
			return
		}
	}

	state := o.motion.Load()
	switch o.phase {
	case Buffering:
		if state == motion.Active {
			o.begin(now)
		}

	case Starting:
		if o.sink.IsRecording() {
			o.savePreRoll()
			return
		}
		if now.Sub(o.event.Start) >= o.opts.SwitchTimeout {
			o.abort(fmt.Errorf("no keyframe reached the segment within %s", o.opts.SwitchTimeout))
		}

	case Recording:
		if state == motion.Active {
			o.graceUntil = time.Time{}
			if o.opts.MaxEvent > 0 && now.Sub(o.event.Start) >= o.opts.MaxEvent {
				log.Info().Str("event", o.event.ID).Msg("Event reached maximum length")
				o.closeDuring(now)
			}
			return
		}
		if o.opts.Grace > 0 {
			if o.graceUntil.IsZero() {
				o.graceUntil = now.Add(o.opts.Grace)
				log.Debug().Str("event", o.event.ID).Msg("Motion stopped, waiting out grace interval")
				return
			}
			if now.Before(o.graceUntil) {
				return
			}
		}
		o.closeDuring(now)

	case PostRoll:
		if now.Before(o.postRollUntil) {
			return
		}
		// the during segment runs on to the next keyframe
		if o.sink.IsRecording() && now.Before(o.postRollUntil.Add(o.opts.SwitchTimeout)) {
			return
		}
		o.finish()
	}
}

func (o *Orchestrator) newEvent(now time.Time) *Event {
	base := o.opts.OutputPrefix + now.Format("20060102_150405")
	// two events inside one second must not share files
	for i := 1; fileExists(base+"_before"+o.opts.Extension) || fileExists(base+"_during"+o.opts.Extension); i++ {
		base = fmt.Sprintf("%s%s-%d", o.opts.OutputPrefix, now.Format("20060102_150405"), i)
	}

	id, err := uuid.NewV4()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to generate event ID")
	}

	return &Event{
		ID:         id.String(),
		Start:      now,
		Base:       base,
		BeforePath: base + "_before" + o.opts.Extension,
		DuringPath: base + "_during" + o.opts.Extension,
		AfterPath:  base + "_after" + o.opts.Extension,
	}
}

func (o *Orchestrator) begin(now time.Time) {
	ev := o.newEvent(now)

	if err := o.sink.Start(ev.DuringPath); err != nil {
		o.aborted++
		o.lastErr = err
		log.Error().Err(err).Str("path", ev.DuringPath).Msg("Failed to start recording, staying in buffering")
		return
	}

	log.Info().Str("event", ev.ID).Str("base", ev.Base).Msg("Motion detected")

	o.event = ev
	o.graceUntil = time.Time{}
	o.phase = Starting
	o.notify("motionStarted", *ev)
}

// savePreRoll writes what the buffer held when the sink switched, which ends
// right before the keyframe that opens the during segment.
func (o *Orchestrator) savePreRoll() {
	ev := o.event
	snap, err := o.buffer.SnapshotTo(ev.BeforePath, o.buffer.Window(), preroll.FromKeyframe())
	ev.BeforePath, ev.PreRoll = keepSnapshot("pre-roll", ev.BeforePath, snap, err)
	o.buffer.Clear()
	o.phase = PreRollSaved

	log.Info().Str("event", ev.ID).Dur("preRoll", ev.PreRoll).Msg("Pre-roll saved")
}

// keepSnapshot returns the path and duration to record for a snapshot. A
// failed or empty snapshot is removed and yields an empty path.
func keepSnapshot(kind, path string, snap preroll.Snapshot, err error) (string, time.Duration) {
	switch {
	case err == nil, errors.Is(err, preroll.ErrBufferOverrun):
		if snap.Bytes > 0 {
			return path, snap.Duration
		}
		log.Debug().Str("path", path).Msgf("Nothing buffered for %s", kind)
	default:
		// best effort: the event goes on without it
		log.Warn().Err(err).Str("path", path).Msgf("Failed to save %s", kind)
	}
	os.Remove(path)
	return "", 0
}

// keepDuring records the closed during segment on ev, dropping an empty file.
func keepDuring(ev *Event, seg record.Segment) {
	ev.During = seg.Duration
	if seg.Bytes == 0 {
		os.Remove(ev.DuringPath)
		ev.DuringPath = ""
	}
}

func (o *Orchestrator) closeDuring(now time.Time) {
	seg, err := o.sink.RedirectToBuffer()
	if err != nil {
		o.abort(err)
		return
	}
	o.event.During = seg.Duration
	o.graceUntil = time.Time{}

	log.Info().Str("event", o.event.ID).Dur("during", seg.Duration).Msg("Motion ended, recording post-roll")
	o.notify("motionEnded", *o.event)

	o.phase = PostRoll
	o.postRollUntil = now.Add(o.opts.PostRoll)
	if o.opts.PostRoll <= 0 {
		o.finish()
	}
}

func (o *Orchestrator) finish() {
	ev := o.event

	seg, err := o.sink.CloseSegment()
	if err != nil {
		o.abort(err)
		return
	}
	keepDuring(ev, seg)

	if o.opts.PostRoll > 0 {
		// the buffer holds only what came after the during segment
		snap, err := o.buffer.SnapshotTo(ev.AfterPath, o.buffer.Window(), preroll.FromKeyframe())
		ev.AfterPath, ev.PostRoll = keepSnapshot("post-roll", ev.AfterPath, snap, err)
		o.buffer.Clear()
	} else {
		ev.AfterPath = ""
	}

	o.complete(ev)
	o.phase = PostRollSaved
}

// complete counts the event and hands it off for stitching.
func (o *Orchestrator) complete(ev *Event) {
	o.completed++
	o.event = nil
	if !ev.hasFootage() {
		log.Warn().Str("event", ev.ID).Msg("Event captured no footage")
		return
	}
	o.handOff(*ev)
}

// abort discards the in-flight event after a sink failure.
func (o *Orchestrator) abort(err error) {
	o.aborted++
	o.lastErr = err
	if _, cerr := o.sink.CloseSegment(); cerr != nil && cerr != err {
		log.Warn().Err(cerr).Msg("Failed to close segment after sink failure")
	}

	if ev := o.event; ev != nil {
		log.Error().Err(err).Str("event", ev.ID).Msg("Recording failed, event aborted")
		for _, p := range []string{ev.BeforePath, ev.DuringPath, ev.AfterPath} {
			if p != "" {
				os.Remove(p)
			}
		}
		o.notify("motionAborted", *ev)
	}

	o.event = nil
	o.graceUntil = time.Time{}
	o.phase = Buffering
}

func (o *Orchestrator) handOff(ev Event) {
	if o.stitcher == nil {
		return
	}

	job := stitch.Job{
		Base:     ev.Base,
		Segments: stitch.Absolute(stitch.Segments{Before: ev.BeforePath, During: ev.DuringPath, After: ev.AfterPath}),
		Duration: ev.Duration(),
	}

	o.stitches.Add(1)
	go func() {
		defer o.stitches.Done()
		res, err := o.stitcher.Stitch(o.stitchCtx, job)
		if err != nil {
			o.mu.Lock()
			o.lastErr = err
			o.mu.Unlock()
			return
		}
		o.notify("clipReady", map[string]interface{}{
			"id":       ev.ID,
			"clip":     res.Output,
			"muxed":    res.Muxed,
			"duration": ev.Duration().Seconds(),
		})
	}()
}

// shutdown closes out whatever is in flight. Post-roll that has not been
// recorded yet is cut short.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	switch o.phase {
	case Starting:
		// nothing reached the during file; keep the pre-roll alone
		o.sink.Stop()
		ev := o.event
		keepDuring(ev, record.Segment{})
		snap, err := o.buffer.SnapshotTo(ev.BeforePath, o.buffer.Window(), preroll.FromKeyframe())
		ev.BeforePath, ev.PreRoll = keepSnapshot("pre-roll", ev.BeforePath, snap, err)
		ev.AfterPath = ""
		log.Info().Str("event", ev.ID).Msg("Shutting down before recording began, keeping pre-roll")
		o.complete(ev)
	case PreRollSaved, Recording:
		seg, err := o.sink.Stop()
		if err != nil {
			o.abort(err)
			break
		}
		keepDuring(o.event, seg)
		o.event.AfterPath = ""
		log.Info().Str("event", o.event.ID).Msg("Shutting down mid-event, closing segments")
		o.complete(o.event)
	case PostRoll:
		o.finish()
	}
	o.event = nil
	o.phase = Buffering
	o.sink.Stop()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.stitches.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-o.opts.Clock.After(o.opts.ShutdownTimeout):
		log.Warn().Msg("Pending stitches did not finish before shutdown, segments left in place")
		o.cancelStitch()
		<-done
	}
	log.Info().Msg("Capture loop stopped")
}

func (o *Orchestrator) notify(messageType string, payload interface{}) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Send(messageType, payload); err != nil {
		log.Debug().Err(err).Str("type", messageType).Msg("Event notification not delivered")
	}
}

// Status returns the current phase, event and counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		Phase:     o.phase.String(),
		Completed: o.completed,
		Aborted:   o.aborted,
	}
	if o.event != nil {
		ev := *o.event
		st.Event = &ev
	}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	return st
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
