// Package preroll keeps a rolling window of recently encoded video so a clip
// can include the moments before motion was detected.
package preroll

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrBufferOverrun is reported when a snapshot asks for more than the buffer
// retains. The snapshot still succeeds with what is available.
var ErrBufferOverrun = errors.New("requested duration exceeds buffer window")

// Chunk is a piece of the encoded stream. Data must not be modified after Feed.
type Chunk struct {
	At       time.Time
	Length   time.Duration
	Data     []byte
	Keyframe bool
}

// Snapshot describes what SnapshotTo wrote.
type Snapshot struct {
	Path     string
	Duration time.Duration
	Bytes    int
	Chunks   int
	// Saturated is set when the requested duration exceeded the buffer window.
	Saturated bool
}

// Options control a Buffer.
type Options struct {
	// Window is the maximum retained duration.
	Window time.Duration
}

type snapshotConfig struct {
	fromKeyframe bool
}

// SnapshotOption adjusts a single SnapshotTo call.
type SnapshotOption func(*snapshotConfig)

// FromKeyframe starts the snapshot on the first keyframe in the window so the
// written file decodes on its own. A window with no keyframe is written whole.
func FromKeyframe() SnapshotOption {
	return func(c *snapshotConfig) { c.fromKeyframe = true }
}

// Buffer is a time-bounded ring of encoded chunks. Feed and SnapshotTo/Clear
// may be called from different goroutines.
type Buffer struct {
	opts Options

	mu       sync.Mutex
	chunks   []Chunk
	retained time.Duration
	bytes    int
}

func New(opts Options) (*Buffer, error) {
	if opts.Window <= 0 {
		return nil, fmt.Errorf("buffer window must be positive")
	}
	return &Buffer{opts: opts}, nil
}

// Window returns the configured retention window.
func (b *Buffer) Window() time.Duration { return b.opts.Window }

// Feed appends a chunk and evicts the oldest data beyond the window.
func (b *Buffer) Feed(c Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, c)
	b.retained += c.Length
	b.bytes += len(c.Data)

	evict := 0
	for evict < len(b.chunks)-1 && b.retained > b.opts.Window {
		b.retained -= b.chunks[evict].Length
		b.bytes -= len(b.chunks[evict].Data)
		evict++
	}
	if evict > 0 {
		// copy down so the backing array does not grow without bound
		n := copy(b.chunks, b.chunks[evict:])
		for i := n; i < len(b.chunks); i++ {
			b.chunks[i] = Chunk{}
		}
		b.chunks = b.chunks[:n]
	}
}

// Clear discards everything buffered.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = nil
	b.retained = 0
	b.bytes = 0
}

// Retained returns the duration currently buffered.
func (b *Buffer) Retained() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained
}

// Len returns the number of bytes currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// SnapshotTo writes the most recent d of buffered data to path. A duration
// longer than the window is saturated to the window; less data than requested
// is not an error. Feed is not blocked while the file is written.
func (b *Buffer) SnapshotTo(path string, d time.Duration, opts ...SnapshotOption) (Snapshot, error) {
	var cfg snapshotConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	snap := Snapshot{Path: path}
	if d > b.opts.Window {
		d = b.opts.Window
		snap.Saturated = true
	}

	window := b.tail(d)
	if cfg.fromKeyframe {
		window = fromFirstKeyframe(window)
	}

	f, err := os.Create(path)
	if err != nil {
		return snap, fmt.Errorf("failed to create snapshot: %w", err)
	}
	for _, c := range window {
		if _, err := f.Write(c.Data); err != nil {
			f.Close()
			return snap, fmt.Errorf("failed to write snapshot: %w", err)
		}
		snap.Duration += c.Length
		snap.Bytes += len(c.Data)
		snap.Chunks++
	}
	if err := f.Close(); err != nil {
		return snap, fmt.Errorf("failed to close snapshot: %w", err)
	}

	if snap.Saturated {
		return snap, ErrBufferOverrun
	}
	return snap, nil
}

// tail copies the newest chunks covering at least d, under the lock. Chunks
// are immutable so only the slice headers are copied.
func (b *Buffer) tail(d time.Duration) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := len(b.chunks)
	var covered time.Duration
	for start > 0 && covered < d {
		start--
		covered += b.chunks[start].Length
	}
	return append([]Chunk(nil), b.chunks[start:]...)
}

func fromFirstKeyframe(window []Chunk) []Chunk {
	for i, c := range window {
		if c.Keyframe {
			return window[i:]
		}
	}
	return window
}
