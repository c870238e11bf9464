package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level and
// the edge processor settings. Pipeline, denoise, and transport changes need
// a stream restart and are deliberately not surfaced here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EdgeChanged is true when any edge processor setting differs. The new
	// block can be applied live via the processor's UpdateConfig.
	EdgeChanged bool
	NewEdge     EdgeConfig
}

// Changed reports whether the diff carries anything to apply.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.EdgeChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Edge != new.Edge {
		d.EdgeChanged = true
		d.NewEdge = new.Edge
	}

	return d
}
