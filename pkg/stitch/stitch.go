// Package stitch joins the before, during and after segments of a motion
// event into a single clip via an external muxer.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Segments are the files of one motion event. Empty paths are skipped.
type Segments struct {
	Before string
	During string
	After  string
}

// Ordered returns the non-empty segment paths in playback order.
func (s Segments) Ordered() []string {
	var paths []string
	for _, p := range []string{s.Before, s.During, s.After} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// withFootage drops segments that are missing or hold no bytes. Empty files
// are removed since the concat demuxer rejects them.
func (s Segments) withFootage() Segments {
	keep := func(p string) string {
		if p == "" {
			return p
		}
		info, err := os.Stat(p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("Segment missing, leaving it out")
			return ""
		}
		if info.Size() == 0 {
			os.Remove(p)
			log.Debug().Str("path", p).Msg("Empty segment left out")
			return ""
		}
		return p
	}
	return Segments{Before: keep(s.Before), During: keep(s.During), After: keep(s.After)}
}

// ErrNoFootage is returned when none of a job's segments hold any video.
var ErrNoFootage = errors.New("no footage to stitch")

// Job is one event handed over for stitching. Base is the path prefix the
// manifest and output clip are named after.
type Job struct {
	Base     string
	Segments Segments
	Duration time.Duration
}

func (j Job) ManifestPath() string { return j.Base + "_cat.txt" }
func (j Job) OutputPath() string   { return j.Base + ".mp4" }

// Result reports what Stitch left on disk.
type Result struct {
	Manifest string
	Output   string
	Muxed    bool
}

// StitchError is returned when the muxer fails. Manifest and segments are
// left in place for manual recovery.
type StitchError struct {
	Manifest string
	Err      error
}

func (e *StitchError) Error() string {
	return fmt.Sprintf("stitch %s: %v", e.Manifest, e.Err)
}

func (e *StitchError) Unwrap() error { return e.Err }

// Muxer concatenates the files listed in a manifest into output.
type Muxer interface {
	Mux(ctx context.Context, manifestPath, outputPath string) error
}

// Saver takes ownership of a finished clip.
type Saver interface {
	SaveRecording(filePath string, duration float64, eventType string) error
}

type Options struct {
	Muxer Muxer
	// AutoStitch runs the muxer; otherwise the manifest is left for manual processing.
	AutoStitch bool
	// Saver is optional
	Saver Saver
}

type Stitcher struct {
	opts Options
}

func New(opts Options) (*Stitcher, error) {
	if opts.AutoStitch && opts.Muxer == nil {
		return nil, fmt.Errorf("auto stitch requires a muxer")
	}
	return &Stitcher{opts: opts}, nil
}

// Manifest renders the concat list for segs, one file line per segment in
// before, during, after order.
func Manifest(segs Segments) string {
	var b strings.Builder
	for _, p := range segs.Ordered() {
		fmt.Fprintf(&b, "file '%s'\n", quote(p))
	}
	return b.String()
}

// quote escapes single quotes the way ffmpeg's concat demuxer reads them.
func quote(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}

// Stitch writes the manifest and, when auto stitching, muxes the clip and
// removes the segments and manifest. On muxer failure nothing is deleted.
func (s *Stitcher) Stitch(ctx context.Context, job Job) (Result, error) {
	res := Result{Manifest: job.ManifestPath(), Output: job.OutputPath()}

	segs := job.Segments.withFootage()
	if len(segs.Ordered()) == 0 {
		return res, &StitchError{Manifest: res.Manifest, Err: ErrNoFootage}
	}

	manifest := Manifest(segs)
	if !s.opts.AutoStitch {
		if d, ok := s.opts.Muxer.(Describer); ok {
			manifest += "#" + d.Describe(res.Manifest, res.Output) + "\n"
		}
	}
	if err := os.WriteFile(res.Manifest, []byte(manifest), 0644); err != nil {
		return res, &StitchError{Manifest: res.Manifest, Err: fmt.Errorf("failed to write manifest: %w", err)}
	}

	if !s.opts.AutoStitch {
		log.Info().Str("manifest", res.Manifest).Msg("Manifest left for manual stitching")
		return res, nil
	}

	if err := s.opts.Muxer.Mux(ctx, res.Manifest, res.Output); err != nil {
		log.Error().Err(err).Str("manifest", res.Manifest).Msg("Stitch failed, segments kept")
		return res, &StitchError{Manifest: res.Manifest, Err: err}
	}
	res.Muxed = true

	for _, p := range append(segs.Ordered(), res.Manifest) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p).Msg("Failed to remove stitched input")
		}
	}

	if s.opts.Saver != nil {
		if err := s.opts.Saver.SaveRecording(res.Output, job.Duration.Seconds(), "motion"); err != nil {
			// The clip stays at its output path.
			log.Error().Err(err).Str("clip", res.Output).Msg("Failed to save recording")
		}
	}

	log.Info().Str("clip", res.Output).Dur("duration", job.Duration).Msg("Clip stitched")
	return res, nil
}

// Describer renders the muxer invocation for a manifest, for humans.
type Describer interface {
	Describe(manifestPath, outputPath string) string
}

// Absolute resolves each segment path so the manifest does not depend on the
// muxer's working directory.
func Absolute(segs Segments) Segments {
	abs := func(p string) string {
		if p == "" {
			return p
		}
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return p
	}
	return Segments{Before: abs(segs.Before), During: abs(segs.During), After: abs(segs.After)}
}
