package relaycomm

import (
	"encoding/json"
	"os"
	"time"

	"motioncam/pkg/globals"
	"motioncam/pkg/logger"
	"motioncam/pkg/storage"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// EventStore is the finished-clip store the relay reads from.
type EventStore interface {
	GetEventLog() ([]storage.Event, error)
	GetRecordingPath(id string) (string, error)
}

// Services are the daemon parts the relay can query. Nil fields answer with
// success=false.
type Services struct {
	Events EventStore
	Status func() any
	Logs   func() []logger.Entry
}

// RegisterHandlers registers all relay message handlers
func (r *RelayComm) RegisterHandlers(s Services) {
	// Storage
	r.On("getEvents", r.handleGetEvents(s.Events))
	r.On("getRecording", r.handleGetRecording(s.Events))

	// Capture
	r.On("getStatus", r.handleGetStatus(s.Status))

	// System
	r.On("getHealth", r.handleGetHealth)
	r.On("getLogs", r.handleGetLogs(s.Logs))
}

func (r *RelayComm) reply(messageType string, payload any) {
	if err := r.Send(messageType, payload); err != nil {
		log.Warn().Err(err).Str("type", messageType).Msg("Failed to answer relay request")
	}
}

func (r *RelayComm) handleGetEvents(events EventStore) func(json.RawMessage) {
	return func(json.RawMessage) {
		if events == nil {
			r.reply("eventsResult", map[string]any{"success": false})
			return
		}
		list, err := events.GetEventLog()
		r.reply("eventsResult", map[string]any{
			"success": err == nil,
			"events":  list,
		})
	}
}

func (r *RelayComm) handleGetRecording(events EventStore) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || events == nil {
			r.reply("recordingResult", map[string]any{"success": false})
			return
		}

		filePath, err := events.GetRecordingPath(req.ID)
		if err != nil {
			r.reply("recordingResult", map[string]any{"success": false})
			return
		}

		f, err := os.Open(filePath)
		if err != nil {
			r.reply("recordingResult", map[string]any{"success": false})
			return
		}
		defer f.Close()

		if err := r.StreamClip(req.ID, f); err != nil {
			log.Warn().Err(err).Str("id", req.ID).Msg("Recording stream aborted")
		}
	}
}

func (r *RelayComm) handleGetStatus(status func() any) func(json.RawMessage) {
	return func(json.RawMessage) {
		if status == nil {
			r.reply("statusResult", map[string]any{"success": false})
			return
		}
		r.reply("statusResult", map[string]any{
			"success": true,
			"status":  status(),
		})
	}
}

func (r *RelayComm) handleGetLogs(logs func() []logger.Entry) func(json.RawMessage) {
	return func(json.RawMessage) {
		if logs == nil {
			r.reply("logsResult", map[string]any{"success": false})
			return
		}
		r.reply("logsResult", map[string]any{
			"success": true,
			"logs":    logs(),
		})
	}
}

func (r *RelayComm) handleGetHealth(json.RawMessage) {
	r.reply("healthResult", Health())
}

// Health collects host metrics. Missing metrics are left out.
func Health() map[string]any {
	health := map[string]any{
		"version": globals.Version,
	}

	if pct, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pct) > 0 {
		health["cpuPercent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		health["memoryPercent"] = vm.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		health["uptimeSeconds"] = up
	}
	if temps, err := host.SensorsTemperatures(); err == nil {
		for _, t := range temps {
			// Raspberry Pi SoC sensor
			if t.SensorKey == "cpu_thermal" || t.SensorKey == "cpu_thermal_input" {
				health["cpuTemperature"] = t.Temperature
			}
		}
	}
	if du, err := disk.Usage(globals.DataDir); err == nil {
		health["disk"] = map[string]any{
			"free":        du.Free,
			"usedPercent": du.UsedPercent,
		}
	}

	return health
}
