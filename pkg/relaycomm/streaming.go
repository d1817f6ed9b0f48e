package relaycomm

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// clipPartSize is the raw clip bytes carried per message, before base64.
const clipPartSize = 48 * 1024

// clipPart is one message of a clip transfer. The viewer reassembles the
// clip by offset and knows it is complete once a part with Done arrives.
type clipPart struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Offset  int64  `json:"offset"`
	Size    int64  `json:"size"`
	Data    string `json:"data,omitempty"`
	Done    bool   `json:"done"`
}

// StreamClip sends a finished clip to the relay as a sequence of
// recordingResult parts. The last part carries the tail of the clip, or no
// data for an empty clip.
func (r *RelayComm) StreamClip(id string, f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat clip: %w", err)
	}
	size := info.Size()

	buf := make([]byte, clipPartSize)
	var offset int64
	for {
		n, err := io.ReadFull(f, buf)
		last := err == io.EOF || err == io.ErrUnexpectedEOF || offset+int64(n) >= size
		if err != nil && !last {
			return fmt.Errorf("failed to read clip: %w", err)
		}

		part := clipPart{Success: true, ID: id, Offset: offset, Size: size, Done: last}
		if n > 0 {
			part.Data = base64.StdEncoding.EncodeToString(buf[:n])
		}
		if err := r.Send("recordingResult", part); err != nil {
			return fmt.Errorf("failed to send clip part at %d: %w", offset, err)
		}
		offset += int64(n)
		if last {
			return nil
		}
	}
}
