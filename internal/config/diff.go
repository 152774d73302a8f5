package config

import "reflect"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes are flagged individually; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is set when any per-session tunable changed. New
	// sessions pick the values up.
	SessionChanged bool

	IdleTimeoutChanged bool
	HighWaterChanged   bool
	MaxSessionsChanged bool

	// RestartRequired names changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.IdleTimeoutChanged ||
		d.HighWaterChanged || d.MaxSessionsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldS, newS := old.Session, new.Session
	d.IdleTimeoutChanged = oldS.IdleTimeout != newS.IdleTimeout
	// Idle expiry is enforced by the watchdog, not the session, so it is
	// masked out of the session comparison.
	oldS.IdleTimeout, newS.IdleTimeout = 0, 0
	d.SessionChanged = !reflect.DeepEqual(oldS, newS)

	d.HighWaterChanged = old.Memory.HighWaterMB != new.Memory.HighWaterMB
	d.MaxSessionsChanged = old.Server.MaxSessions != new.Server.MaxSessions

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!reflect.DeepEqual(old.Server.OriginPatterns, new.Server.OriginPatterns) ||
		old.Server.ShutdownTimeout != new.Server.ShutdownTimeout {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Dialogue != new.Dialogue {
		d.RestartRequired = append(d.RestartRequired, "dialogue")
	}
	if old.Memory.CheckInterval != new.Memory.CheckInterval {
		d.RestartRequired = append(d.RestartRequired, "memory.check_interval")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}
