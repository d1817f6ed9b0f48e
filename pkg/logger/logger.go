package logger

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"motioncam/pkg/globals"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxLogs = 1000

type Entry struct {
	Time  string `json:"time"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

// Ring keeps the last maxLogs entries and persists them after every write so
// the relay can serve them after a restart.
type Ring struct {
	path string
	mu   sync.Mutex
	logs []Entry
}

var w *Ring

// Init routes the global zerolog logger to stderr and the persisted ring.
// level follows the CLI: 0 debug, 1 info, 2 warn and above.
func Init(level int) {
	w = NewRing(globals.LogsPath)
	SetLevel(level)
	log.Logger = zerolog.New(Output(os.Stderr, w)).With().Timestamp().Logger()
}

// Output fans events out to a human console and the ring.
func Output(console io.Writer, ring *Ring) io.Writer {
	return zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: console, TimeFormat: time.TimeOnly}, ring)
}

func SetLevel(level int) {
	switch {
	case level <= 0:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case level == 1:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

// NewRing loads any entries already persisted at path.
func NewRing(path string) *Ring {
	return &Ring{path: path, logs: load(path)}
}

// Write takes one zerolog JSON event.
func (r *Ring) Write(p []byte) (int, error) {
	var ev struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	entry := Entry{Time: time.Now().Format("15:04:05")}
	if err := json.Unmarshal(p, &ev); err == nil {
		entry.Level = ev.Level
		entry.Msg = ev.Message
		if ev.Error != "" {
			entry.Msg += ": " + ev.Error
		}
	} else {
		entry.Msg = string(p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.logs = append(r.logs, entry)
	if len(r.logs) > maxLogs {
		r.logs = r.logs[1:]
	}

	r.save()
	return len(p), nil
}

func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry{}, r.logs...)
}

func GetLogs() []Entry {
	if w == nil {
		return []Entry{}
	}
	return w.Entries()
}

func load(path string) []Entry {
	data, err := os.ReadFile(path)
	if err != nil {
		return []Entry{}
	}
	var logs []Entry
	if err := json.Unmarshal(data, &logs); err != nil {
		return []Entry{}
	}
	return logs
}

func (r *Ring) save() {
	data, _ := json.Marshal(r.logs)
	// best effort, a failed write here has nowhere to be logged
	os.WriteFile(r.path, data, 0644)
}
