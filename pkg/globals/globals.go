package globals

// Version is set at build time via -ldflags
var Version = "dev"

// Writable data directory
var DataDir = "/data"

// Daemon state
var StateDir = DataDir + "/.motioncam"

// Config
var ConfigPath = StateDir + "/config.json"

// Logs
var LogsPath = StateDir + "/logs.json"

// Segments and manifests in flight before stitching
var SegmentsPath = DataDir + "/segments"

// Finished clips
var RecordingsPath = DataDir + "/recordings"

// Event log
var EventLogPath = RecordingsPath + "/events.json"

// SetDataDir re-roots every path under dir
func SetDataDir(dir string) {
	DataDir = dir
	StateDir = DataDir + "/.motioncam"
	ConfigPath = StateDir + "/config.json"
	LogsPath = StateDir + "/logs.json"
	SegmentsPath = DataDir + "/segments"
	RecordingsPath = DataDir + "/recordings"
	EventLogPath = RecordingsPath + "/events.json"
}
