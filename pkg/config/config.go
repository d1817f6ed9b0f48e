package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"motioncam/pkg/globals"

	"github.com/gofrs/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// envPrefix namespaces environment overrides, e.g. MOTIONCAM_THRESHOLD.
const envPrefix = "MOTIONCAM_"

type Config struct {
	path string
	mu   sync.RWMutex
	data map[string]any
}

var instance *Config
var once sync.Once

// Init initializes the config system and creates config.json if it doesn't exist
func Init() error {
	var err error
	once.Do(func() {
		instance, err = Open(globals.ConfigPath)
	})
	return err
}

// Get returns the singleton config instance
func Get() *Config {
	if instance == nil {
		panic("config not initialized - call Init() first")
	}
	return instance
}

// Open loads the config file at path, creating it with a fresh device id if
// it doesn't exist.
func Open(path string) (*Config, error) {
	c := &Config{path: path, data: make(map[string]any)}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.path); os.IsNotExist(err) {
		return c.createInitialConfig()
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, &c.data); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if c.data == nil {
		c.data = make(map[string]any)
	}

	return nil
}

func (c *Config) createInitialConfig() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("failed to generate device ID: %w", err)
	}

	c.data = map[string]any{
		"id":      id.String(),
		"version": globals.Version,
	}

	return c.save()
}

func (c *Config) save() error {
	data, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// SetKey sets a config value and persists to disk
// Pass nil to delete the key
func (c *Config) SetKey(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value == nil {
		delete(c.data, key)
	} else {
		c.data[key] = value
	}

	return c.save()
}

// GetKey retrieves a config value
// Returns the value and a boolean indicating if the key exists
func (c *Config) GetKey(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, exists := c.data[key]
	return value, exists
}

// LoadEnv reads KEY=value lines from path into the environment. Variables
// already set win. A missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// CaptureSettings are the tunables for detection and capture.
type CaptureSettings struct {
	Threshold          float64
	MinActiveCells     int
	QuietFramesToClear int
	Buffer             time.Duration
	PostRoll           time.Duration
	Grace              time.Duration
	MaxEvent           time.Duration // 0 means unbounded
	PollInterval       time.Duration
	Mask               string
	OutputPrefix       string
	AutoStitch         bool
	Framerate          int
	Width              int
	Height             int
	RelayURL           string
}

// Capture returns the capture settings. Each key is taken from the
// environment (MOTIONCAM_<KEY>) first, then the file, then the default.
// Mistyped values fall back to the default. Post-roll is cut from the buffer,
// so it is clamped to the buffer window.
func (c *Config) Capture() CaptureSettings {
	framerate := c.getInt("framerate", 30)
	s := CaptureSettings{
		Threshold:          c.getFloat("threshold", 20),
		MinActiveCells:     c.getInt("min_active_cells", 2),
		QuietFramesToClear: c.getInt("quiet_frames_to_clear", framerate),
		Buffer:             c.getSeconds("buffer_seconds", 10),
		PostRoll:           c.getSeconds("post_roll_seconds", 5),
		Grace:              c.getSeconds("grace_interval_seconds", 5),
		MaxEvent:           c.getSeconds("max_event_seconds", 0),
		PollInterval:       time.Duration(c.getInt("poll_interval_ms", 1000)) * time.Millisecond,
		Mask:               c.getString("mask", ""),
		OutputPrefix:       c.getString("output_prefix", globals.SegmentsPath+"/"),
		AutoStitch:         c.getBool("auto_stitch", false),
		Framerate:          framerate,
		Width:              c.getInt("width", 1296),
		Height:             c.getInt("height", 972),
		RelayURL:           c.getString("relayUrl", ""),
	}
	if s.PostRoll > s.Buffer {
		log.Warn().Dur("postRoll", s.PostRoll).Dur("buffer", s.Buffer).
			Msg("post_roll_seconds exceeds buffer_seconds, clamping post-roll to the buffer")
		s.PostRoll = s.Buffer
	}
	return s
}

// LogLevel returns the configured log_level, or def when unset.
func (c *Config) LogLevel(def int) int {
	return c.getInt("log_level", def)
}

func envValue(key string) (string, bool) {
	return os.LookupEnv(envPrefix + strings.ToUpper(key))
}

func (c *Config) getFloat(key string, def float64) float64 {
	if s, ok := envValue(key); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return def
	}
	v, ok := c.GetKey(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return def
}

func (c *Config) getInt(key string, def int) int {
	return int(c.getFloat(key, float64(def)))
}

func (c *Config) getSeconds(key string, def float64) time.Duration {
	return time.Duration(c.getFloat(key, def) * float64(time.Second))
}

func (c *Config) getString(key, def string) string {
	if s, ok := envValue(key); ok {
		return s
	}
	if v, ok := c.GetKey(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (c *Config) getBool(key string, def bool) bool {
	if s, ok := envValue(key); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
		return def
	}
	if v, ok := c.GetKey(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
