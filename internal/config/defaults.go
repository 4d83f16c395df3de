package config

const (
	defaultDownloadDir        = "~/.local/share/gantry/downloads"
	defaultLogDir             = "~/.local/share/gantry/logs"
	defaultLogLevel           = "info"
	defaultLogFormat          = "console"
	defaultRcloneBinary       = "rclone"
	defaultSevenZipBinary     = "7za"
	defaultADBBinary          = "adb"
	defaultNotifyDebounceMs   = 300
	defaultSaveDebounceMs     = 1000
	defaultKillGraceSeconds   = 5
	defaultMinFreeSpaceGiB    = 20
	defaultNtfyRequestTimeout = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DownloadDir: defaultDownloadDir,
			LogDir:      defaultLogDir,
		},
		Workflow: Workflow{
			NotifyDebounceMs: defaultNotifyDebounceMs,
			SaveDebounceMs:   defaultSaveDebounceMs,
			KillGraceSeconds: defaultKillGraceSeconds,
			MinFreeSpaceGiB:  defaultMinFreeSpaceGiB,
		},
		Binaries: Binaries{
			Rclone:   defaultRcloneBinary,
			SevenZip: defaultSevenZipBinary,
			ADB:      defaultADBBinary,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
		},
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
