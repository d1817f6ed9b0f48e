package stitch

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegMuxer muxes with ffmpeg's concat demuxer, copying the raw H.264
// stream into an MP4 container without re-encoding.
type FFmpegMuxer struct {
	Binary    string
	Framerate int
}

func (m *FFmpegMuxer) binary() string {
	if m.Binary == "" {
		return "ffmpeg"
	}
	return m.Binary
}

// Args returns the ffmpeg arguments for one manifest.
func (m *FFmpegMuxer) Args(manifestPath, outputPath string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "concat", "-safe", "0"}
	if m.Framerate > 0 {
		// raw H.264 carries no timestamps
		args = append(args, "-r", strconv.Itoa(m.Framerate))
	}
	return append(args, "-i", manifestPath, "-c", "copy", "-y", outputPath)
}

func (m *FFmpegMuxer) Describe(manifestPath, outputPath string) string {
	return m.binary() + " " + strings.Join(m.Args(manifestPath, outputPath), " ")
}

func (m *FFmpegMuxer) Mux(ctx context.Context, manifestPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, m.binary(), m.Args(manifestPath, outputPath)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to run ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
