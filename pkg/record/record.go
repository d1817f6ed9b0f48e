package record

import (
	"fmt"
	"os"
	"sync"
	"time"

	"motioncam/pkg/preroll"

	"github.com/rs/zerolog/log"
)

// Feeder receives chunks while no segment file is open.
type Feeder interface {
	Feed(c preroll.Chunk)
}

// SinkError reports a segment file that could not be opened or written.
type SinkError struct {
	Path string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("recording sink %s: %v", e.Path, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Segment summarises a closed segment file.
type Segment struct {
	Path     string
	Started  time.Time
	Duration time.Duration
	Bytes    int64
}

// maxSwitchWait bounds how much footage may pass while a switch waits for a
// keyframe. A stream without SPS units still gets switched.
const maxSwitchWait = 3 * time.Second

// Recorder routes the encoded stream either into the pre-roll buffer or into
// a single segment file. The camera calls Write for every chunk; the capture
// loop asks for a switch with Start and RedirectToBuffer. Switches happen on
// the next keyframe chunk so every file decodes on its own.
type Recorder struct {
	buffer  Feeder
	file    *os.File
	writing bool // chunks go to file
	pending bool // switch destination at the next keyframe
	waited  time.Duration
	segment Segment
	stopped bool
	err     error
	mu      sync.Mutex
}

func New(buffer Feeder) *Recorder {
	return &Recorder{buffer: buffer}
}

// Write delivers one chunk to the current destination.
func (r *Recorder) Write(c preroll.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	if r.pending {
		if !c.Keyframe && r.waited < maxSwitchWait {
			r.waited += c.Length
		} else {
			if !c.Keyframe {
				log.Warn().Str("path", r.segment.Path).Msg("No keyframe in stream, switching mid-GOP")
			}
			r.switchDestination()
		}
	}

	if !r.writing {
		r.buffer.Feed(c)
		return
	}

	if r.segment.Started.IsZero() {
		r.segment.Started = c.At
	}
	n, err := r.file.Write(c.Data)
	r.segment.Bytes += int64(n)
	r.segment.Duration += c.Length
	if err != nil {
		// Fall back to buffering; the capture loop picks the error up via Err.
		r.err = &SinkError{Path: r.segment.Path, Err: err}
		r.closeFile()
		log.Error().Err(err).Str("path", r.segment.Path).Msg("Segment write failed")
		r.buffer.Feed(c)
	}
}

func (r *Recorder) switchDestination() {
	r.pending = false
	r.waited = 0
	if r.writing {
		if err := r.closeFile(); err != nil {
			r.err = err
			log.Error().Err(err).Str("path", r.segment.Path).Msg("Failed to close segment")
		}
		return
	}
	r.writing = true
}

// IsRecording returns true once chunks are going into the segment file
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writing
}

// Err returns the last sink failure since Start.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Start opens path and routes chunks into it from the next keyframe on. Until
// then the buffer keeps receiving them.
func (r *Recorder) Start(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return fmt.Errorf("already recording to %s", r.segment.Path)
	}

	f, err := os.Create(path)
	if err != nil {
		return &SinkError{Path: path, Err: err}
	}

	r.file = f
	r.writing = false
	r.pending = true
	r.waited = 0
	r.segment = Segment{Path: path}
	r.stopped = false
	r.err = nil
	return nil
}

// RedirectToBuffer resumes feeding the buffer from the next keyframe on. The
// segment keeps receiving chunks until then; CloseSegment returns its final
// size. A Start that has not switched yet is cancelled.
func (r *Recorder) RedirectToBuffer() (Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = false
	if !r.writing {
		seg := r.segment
		if err := r.closeFile(); err != nil {
			return seg, err
		}
		return seg, r.err
	}
	r.pending = true
	r.waited = 0
	return r.segment, r.err
}

// CloseSegment closes the segment file now, without waiting for a keyframe,
// and returns the segment. After a switch has already closed it, it returns
// the closed segment.
func (r *Recorder) CloseSegment() (Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.closeFile(); err != nil {
		return r.segment, err
	}
	return r.segment, r.err
}

// Stop closes any segment file and drops all further chunks.
func (r *Recorder) Stop() (Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	if err := r.closeFile(); err != nil {
		return r.segment, err
	}
	return r.segment, r.err
}

func (r *Recorder) closeFile() error {
	r.writing = false
	r.pending = false
	r.waited = 0
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return &SinkError{Path: r.segment.Path, Err: err}
	}
	return nil
}
