package config

const (
	defaultStateDir              = "~/.local/share/carenote"
	defaultArtifactDir           = "~/.local/share/carenote/artifacts"
	defaultLogDir                = "~/.local/share/carenote/logs"
	defaultServerBaseURL         = "http://127.0.0.1:8080"
	defaultAgentAPIBind          = "127.0.0.1:7611"
	defaultProbeIntervalSeconds  = 15
	defaultProbeTimeoutSeconds   = 5
	defaultQueueMaxAttempts      = 5
	defaultQueueReplayRate       = 5.0
	defaultQueueRequestTimeout   = 30
	defaultAudioMaxSeconds       = 60
	defaultAudioMaxBytes         = 20 * 1024 * 1024
	defaultAudioMimeType         = "audio/wav"
	defaultAudioTargetLanguage   = "de"
	defaultAudioMinFreeMiB       = 64
	defaultAudioUploadTimeout    = 300
	defaultGatewayBind           = "127.0.0.1:7612"
	defaultGatewayCacheVersion   = "v1"
	defaultSyncPollSeconds       = 30
	defaultSessionTimeoutSeconds = 20 * 60
	defaultSessionWarningSeconds = 2 * 60
	defaultAutosaveSeconds       = 2 * 60
	defaultNotifyRequestTimeout  = 10
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultProbePath             = "/api/health"
)

var defaultCaptureCommand = []string{"arecord", "-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-t", "wav", "-"}

var defaultGatewayManifest = []string{
	"/",
	"/offline.html",
	"/static/app.css",
	"/static/app.js",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:    defaultStateDir,
			ArtifactDir: defaultArtifactDir,
			LogDir:      defaultLogDir,
		},
		Server: Server{
			BaseURL: defaultServerBaseURL,
		},
		Agent: Agent{
			APIBind: defaultAgentAPIBind,
		},
		Network: Network{
			ProbeInterval: defaultProbeIntervalSeconds,
			ProbeTimeout:  defaultProbeTimeoutSeconds,
			LinkEvents:    true,
		},
		Queue: Queue{
			MaxAttempts:    defaultQueueMaxAttempts,
			ReplayRate:     defaultQueueReplayRate,
			RequestTimeout: defaultQueueRequestTimeout,
		},
		Audio: Audio{
			MaxSeconds:     defaultAudioMaxSeconds,
			MaxBytes:       defaultAudioMaxBytes,
			MimeType:       defaultAudioMimeType,
			CaptureCommand: append([]string(nil), defaultCaptureCommand...),
			TargetLanguage: defaultAudioTargetLanguage,
			MinFreeMiB:     defaultAudioMinFreeMiB,
			UploadTimeout:  defaultAudioUploadTimeout,
		},
		Gateway: Gateway{
			Enabled:      true,
			Bind:         defaultGatewayBind,
			CacheVersion: defaultGatewayCacheVersion,
			Manifest:     append([]string(nil), defaultGatewayManifest...),
		},
		Sync: Sync{
			PollInterval: defaultSyncPollSeconds,
		},
		Session: Session{
			Timeout:          defaultSessionTimeoutSeconds,
			Warning:          defaultSessionWarningSeconds,
			AutosaveInterval: defaultAutosaveSeconds,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			ActionFailures: true,
			AudioFailures:  true,
			SyncCompleted:  false,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
