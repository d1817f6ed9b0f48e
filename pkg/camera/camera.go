package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"motioncam/pkg/motion"
	"motioncam/pkg/preroll"

	"github.com/rs/zerolog/log"
)

const (
	chunkSize = 64 * 1024 // 64KB reads from the encoder
	// maxPending bounds a single NAL unit held back while waiting for the next
	// start code.
	maxPending = 4 * 1024 * 1024
)

// ChunkWriter receives the encoded stream, normally a record.Recorder.
type ChunkWriter interface {
	Write(c preroll.Chunk)
}

type Options struct {
	Binary      string
	Width       int
	Height      int
	Framerate   int
	Bitrate     int // bits per second, 0 keeps the encoder default
	IntraPeriod int // frames between keyframes, 0 keeps the encoder default
	// Warmup discards vector frames while exposure settles.
	Warmup time.Duration
}

// Camera runs the encoder process and feeds its two outputs: the H.264 stream
// to a ChunkWriter and the motion vectors to a FrameAnalyzer.
type Camera struct {
	opts     Options
	analyzer motion.FrameAnalyzer
	out      ChunkWriter
	now      func() time.Time

	mu      sync.Mutex
	frames  uint64
	skipped uint64
}

func New(opts Options, analyzer motion.FrameAnalyzer, out ChunkWriter) *Camera {
	if opts.Binary == "" {
		opts.Binary = "raspivid"
	}
	if opts.Framerate <= 0 {
		opts.Framerate = 30
	}
	return &Camera{opts: opts, analyzer: analyzer, out: out, now: time.Now}
}

// Args returns the encoder arguments. Vectors go to the first extra file
// descriptor so they never mix with the video on stdout.
func (c *Camera) Args() []string {
	args := []string{
		"-t", "0", // run until killed
		"-n", // no preview window
		"-w", strconv.Itoa(c.opts.Width),
		"-h", strconv.Itoa(c.opts.Height),
		"-fps", strconv.Itoa(c.opts.Framerate),
		"-ih", // repeat SPS/PPS on every keyframe
		"-pf", "baseline",
	}
	if c.opts.Bitrate > 0 {
		args = append(args, "-b", strconv.Itoa(c.opts.Bitrate))
	}
	if c.opts.IntraPeriod > 0 {
		args = append(args, "-g", strconv.Itoa(c.opts.IntraPeriod))
	}
	return append(args, "-o", "-", "-x", "/dev/fd/3")
}

// Grid returns the vector grid for the configured resolution.
func (c *Camera) Grid() (cols, rows int) {
	return motion.GridSize(c.opts.Width, c.opts.Height)
}

// Run starts the encoder and pumps both outputs until ctx is cancelled or the
// encoder exits.
func (c *Camera) Run(ctx context.Context) error {
	vecR, vecW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create vector pipe: %w", err)
	}
	defer vecR.Close()

	cmd := exec.CommandContext(ctx, c.opts.Binary, c.Args()...)
	cmd.ExtraFiles = []*os.File{vecW}
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		vecW.Close()
		return fmt.Errorf("failed to create video pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		vecW.Close()
		return fmt.Errorf("failed to start camera: %w", err)
	}
	// the child holds its own copy
	vecW.Close()

	log.Info().Str("binary", c.opts.Binary).Int("width", c.opts.Width).Int("height", c.opts.Height).
		Int("fps", c.opts.Framerate).Msg("Camera started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.PumpVideo(stdout); err != nil {
			log.Error().Err(err).Msg("Video stream ended")
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.PumpVectors(vecR); err != nil {
			log.Error().Err(err).Msg("Vector stream ended")
		}
	}()
	wg.Wait()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("camera exited: %w", err)
	}
	return nil
}

// PumpVideo reads the Annex B stream and writes it out in chunks of whole NAL
// units. A unit is held back until the start code of the next one arrives, and
// every SPS opens a new chunk, so a keyframe chunk always begins on its SPS.
// Chunk Length is derived from the pictures a chunk carries.
func (c *Camera) PumpVideo(r io.Reader) error {
	frame := time.Second / time.Duration(c.opts.Framerate)
	buf := make([]byte, chunkSize)
	var pending []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := lastStartCode(pending)
			if cut <= 0 && len(pending) > maxPending {
				log.Warn().Int("bytes", len(pending)).Msg("No NAL boundary in video stream, flushing")
				cut = len(pending)
			}
			if cut > 0 {
				c.emit(pending[:cut], frame)
				pending = append([]byte(nil), pending[cut:]...)
			}
		}
		if err == io.EOF {
			c.emit(pending, frame)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read video: %w", err)
		}
	}
}

func (c *Camera) emit(data []byte, frame time.Duration) {
	for _, part := range splitAtSPS(data) {
		pictures, key := scanNALs(part)
		c.out.Write(preroll.Chunk{
			At:       c.now(),
			Length:   time.Duration(pictures) * frame,
			Data:     append([]byte(nil), part...),
			Keyframe: key,
		})
	}
}

// PumpVectors analyzes every vector frame. Malformed frames are logged and
// skipped.
func (c *Camera) PumpVectors(r io.Reader) error {
	cols, rows := c.Grid()
	vr := motion.NewVectorReader(r, cols, rows)
	warmup := int(c.opts.Warmup.Seconds() * float64(c.opts.Framerate))

	for i := 0; ; i++ {
		frame, err := vr.Next()
		if err != nil {
			var srcErr *motion.SourceError
			if errors.As(err, &srcErr) {
				c.countSkipped()
				log.Warn().Err(err).Msg("Skipping vector frame")
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read vectors: %w", err)
		}
		if i < warmup {
			continue
		}

		state, err := c.analyzer.Analyze(frame)
		if err != nil {
			c.countSkipped()
			log.Warn().Err(err).Msg("Skipping vector frame")
			continue
		}
		c.countFrame()
		log.Trace().Stringer("state", state).Msg("Vector frame analyzed")
	}
}

func (c *Camera) countFrame() {
	c.mu.Lock()
	c.frames++
	c.mu.Unlock()
}

func (c *Camera) countSkipped() {
	c.mu.Lock()
	c.skipped++
	c.mu.Unlock()
}

// Stats returns how many vector frames were analyzed and skipped.
func (c *Camera) Stats() (analyzed, skipped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames, c.skipped
}
