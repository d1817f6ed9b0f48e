package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"motioncam/pkg/globals"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	defaultMinFreeSpace = 1024 * 1024 * 1024 // 1GB in bytes
	maxCleanupRounds    = 50
)

type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Duration  float64   `json:"duration"` // seconds
	EventType string    `json:"event_type"`
}

type EventLog struct {
	Events []Event `json:"events"`
}

type Storage struct {
	dir          string
	eventLogPath string
	minFreeSpace uint64

	// swapped out in tests
	freeSpace func(path string) (uint64, error)
	thumbnail func(videoPath, thumbnailPath string) error

	mu sync.Mutex
}

var instance *Storage
var once sync.Once

func Init() error {
	var err error
	once.Do(func() {
		instance, err = New(globals.RecordingsPath, globals.EventLogPath)
	})
	return err
}

func Get() *Storage {
	if instance == nil {
		panic("storage not initialized - call Init() first")
	}
	return instance
}

// New opens a recordings directory, creating it and its event log if needed.
func New(dir, eventLogPath string) (*Storage, error) {
	// MkdirAll is safe - it's a no-op if directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	if _, err := os.Stat(eventLogPath); os.IsNotExist(err) {
		data, _ := json.Marshal(EventLog{Events: []Event{}})
		if err := os.WriteFile(eventLogPath, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to create event log: %w", err)
		}
	}

	return &Storage{
		dir:          dir,
		eventLogPath: eventLogPath,
		minFreeSpace: defaultMinFreeSpace,
		freeSpace:    diskFree,
		thumbnail:    generateThumbnail,
	}, nil
}

// SetMinFreeSpace changes how much space SaveRecording keeps free.
func (s *Storage) SetMinFreeSpace(bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minFreeSpace = bytes
}

// SaveRecording moves a stitched clip into the recordings directory, adds it
// to the event log and generates a thumbnail. Old clips are deleted first
// until minFreeSpace would remain.
func (s *Storage) SaveRecording(filePath string, duration float64, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("failed to stat recording: %w", err)
	}

	if err := s.cleanupForRecording(uint64(info.Size())); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("failed to generate ID: %w", err)
	}

	finalPath := s.recordingPath(id.String())
	if err := moveFile(filePath, finalPath); err != nil {
		return fmt.Errorf("failed to move recording: %w", err)
	}

	// Thumbnail is optional
	if err := s.thumbnail(finalPath, s.thumbnailPath(id.String())); err != nil {
		log.Warn().Err(err).Str("id", id.String()).Msg("Failed to generate thumbnail")
	}

	eventLog, err := s.readEventLog()
	if err != nil {
		return err
	}

	eventLog.Events = append(eventLog.Events, Event{
		ID:        id.String(),
		Timestamp: time.Now(),
		Duration:  duration,
		EventType: eventType,
	})
	if err := s.writeEventLog(eventLog); err != nil {
		return err
	}

	log.Info().Str("id", id.String()).Float64("duration", duration).Msg("Recording saved")
	return nil
}

// GetEventLog returns all events sorted by timestamp (newest first)
func (s *Storage) GetEventLog() ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventLog, err := s.readEventLog()
	if err != nil {
		return nil, err
	}

	events := make([]Event, len(eventLog.Events))
	for i := range eventLog.Events {
		events[i] = eventLog.Events[len(eventLog.Events)-1-i]
	}

	return events, nil
}

// GetRecordingPath returns the file path for a recording by ID
func (s *Storage) GetRecordingPath(id string) (string, error) {
	filePath := s.recordingPath(id)
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return "", fmt.Errorf("recording not found: %s", id)
	}
	return filePath, nil
}

func (s *Storage) recordingPath(id string) string {
	return filepath.Join(s.dir, id+".mp4")
}

func (s *Storage) thumbnailPath(id string) string {
	return filepath.Join(s.dir, id+".jpg")
}

func (s *Storage) readEventLog() (*EventLog, error) {
	data, err := os.ReadFile(s.eventLogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	var eventLog EventLog
	if err := json.Unmarshal(data, &eventLog); err != nil {
		return nil, fmt.Errorf("failed to parse event log: %w", err)
	}

	return &eventLog, nil
}

func (s *Storage) writeEventLog(eventLog *EventLog) error {
	data, err := json.MarshalIndent(eventLog, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal event log: %w", err)
	}

	if err := os.WriteFile(s.eventLogPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write event log: %w", err)
	}

	return nil
}

// cleanupForRecording deletes old recordings until we have enough space
func (s *Storage) cleanupForRecording(recordingSize uint64) error {
	needed := recordingSize + s.minFreeSpace

	for round := 1; ; round++ {
		if round > maxCleanupRounds {
			return fmt.Errorf("failed to free enough space after %d deletions", maxCleanupRounds)
		}

		free, err := s.freeSpace(s.dir)
		if err != nil {
			return err
		}

		if free >= needed {
			return nil
		}

		eventLog, err := s.readEventLog()
		if err != nil {
			return err
		}

		if len(eventLog.Events) == 0 {
			return fmt.Errorf("insufficient space and no recordings to delete")
		}

		// Oldest event is first
		oldest := eventLog.Events[0]
		for _, p := range []string{s.recordingPath(oldest.ID), s.thumbnailPath(oldest.ID)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", p).Msg("Failed to delete old recording")
			}
		}

		eventLog.Events = eventLog.Events[1:]
		if err := s.writeEventLog(eventLog); err != nil {
			log.Warn().Err(err).Str("id", oldest.ID).Msg("Failed to update event log after cleanup")
		}
		log.Info().Str("id", oldest.ID).Msg("Deleted oldest recording to free space")
	}
}

// diskFree returns the bytes available to unprivileged users on path's filesystem
func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to get filesystem stats: %w", err)
	}
	return usage.Free, nil
}

// rename is swapped in tests to force the copy path
var rename = os.Rename

// moveFile renames, falling back to copy+remove across filesystems
func moveFile(src, dst string) error {
	if err := rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// copyFile streams src into dst so large clips never sit in memory.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// generateThumbnail extracts the first frame from a video as a JPEG thumbnail
func generateThumbnail(videoPath, thumbnailPath string) error {
	cmd := exec.Command("ffmpeg",
		"-i", videoPath,
		"-vframes", "1",
		"-f", "image2",
		"-q:v", "2",
		"-y",
		thumbnailPath,
	)
	return cmd.Run()
}
