package config

// ConfigDiff describes what changed between two configs.
// Only fields that apply to calls started after the reload are tracked;
// listener, TLS, credentials and the call log need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CallDefaultsChanged is true when any field feeding a new call's
	// session.update or forwarding behaviour changed.
	CallDefaultsChanged bool
	Fields              []string

	// RestartRequired lists changed fields that are not hot-reloadable.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	o, n := old.Realtime, new.Realtime
	track := func(name string, changed bool) {
		if changed {
			d.CallDefaultsChanged = true
			d.Fields = append(d.Fields, name)
		}
	}
	track("realtime.model", o.Model != n.Model)
	track("realtime.voice", o.Voice != n.Voice)
	track("realtime.instructions", o.Instructions != n.Instructions)
	track("realtime.turn_detection", o.TurnDetection != n.TurnDetection)
	track("realtime.input_transcription", o.InputTranscription != n.InputTranscription)
	track("realtime.interrupt_on_speech", o.InterruptOnSpeech != n.InterruptOnSpeech)
	track("realtime.connect_timeout", o.ConnectTimeout != n.ConnectTimeout)
	track("server.grace_period", old.Server.Grace() != new.Server.Grace())

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.media_path", old.Server.MediaPath != new.Server.MediaPath)
	restart("server.start_timeout", old.Server.StartTimeout != new.Server.StartTimeout)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("realtime.api_key", o.APIKey != n.APIKey)
	restart("realtime.base_url", o.BaseURL != n.BaseURL)
	restart("realtime.circuit_breaker", o.CircuitBreaker != n.CircuitBreaker)
	restart("calllog.postgres_dsn", old.CallLog.PostgresDSN != new.CallLog.PostgresDSN)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
