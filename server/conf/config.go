// Package conf loads batch/daemon-style defaults for bakread from an INI
// file, the same way the teacher's MySQL server loads my.ini: a missing
// or unparseable file falls back to defaults rather than aborting, and
// whatever the caller passes on the command line always wins over
// whatever the file says.
package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/bakread/logger"
)

// CommandLineArgs carries the one thing main needs before config is
// loaded: where to find it.
type CommandLineArgs struct {
	ConfigPath string
}

// Cfg holds bakread's daemon/batch-mode defaults. cmd/bakread uses
// BakreadCacheSizeMB, BakreadIndexDir, BakreadFormat, BakreadMaxRows and
// BakreadForceRescan for whichever of the matching flags were not set on
// the command line, and hands LogError/LogInfos/LogLevel to the logger.
// BakreadThreads is loaded but nothing in cmd/bakread reads it.
type Cfg struct {
	Raw *ini.File

	BakreadCacheSizeMB int    `default:"8" yaml:"cache_size_mb" json:"cache_size_mb,omitempty"`
	BakreadIndexDir    string `default:"" yaml:"index_dir" json:"index_dir,omitempty"`
	BakreadThreads     int    `default:"4" yaml:"threads" json:"threads,omitempty"`
	BakreadFormat      string `default:"csv" yaml:"format" json:"format,omitempty"`
	BakreadMaxRows     uint64 `default:"0" yaml:"max_rows" json:"max_rows,omitempty"`
	BakreadForceRescan bool   `default:"false" yaml:"force_rescan" json:"force_rescan,omitempty"`

	LogError string `default:"" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
}

// NewCfg returns a Cfg populated with the same defaults cmd/bakread's own
// flags use, so a caller that never loads an INI file still gets sane
// behavior.
func NewCfg() *Cfg {
	return &Cfg{
		Raw:                ini.Empty(),
		BakreadCacheSizeMB: 8,
		BakreadThreads:     4,
		BakreadFormat:      "csv",
		LogLevel:           "info",
	}
}

// Load reads args.ConfigPath (default "conf/bakread.ini") into cfg,
// falling back silently to defaults if the file is missing or fails to
// parse -- matching the teacher's loadConfiguration behavior exactly,
// since a batch extraction tool failing to start over an optional config
// file would be a worse outcome than just using defaults.
func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		logger.Warnf("conf: unexpected error loading config, using defaults: %v", err)
		iniFile = ini.Empty()
	}
	cfg.Raw = iniFile

	cfg.parseBakreadCfg(cfg.Raw.Section("bakread"))
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	return cfg
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	configFile := DefaultConfigPath()
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("conf: %s not found, using defaults", configFile)
		return ini.Empty(), nil
	}

	parsedFile, err := ini.Load(configFile)
	if err != nil {
		logger.Debugf("conf: failed parsing %s, using defaults: %v", configFile, err)
		return ini.Empty(), nil
	}

	logger.Debugf("conf: loaded %s", configFile)
	return parsedFile, nil
}

func valueAsString(section *ini.Section, keyName, defaultValue string) string {
	if section == nil {
		return defaultValue
	}
	value := section.Key(keyName).MustString(defaultValue)
	if value == "" {
		return defaultValue
	}
	return value
}

func valueAsInt(section *ini.Section, keyName string, defaultValue int) int {
	if section == nil {
		return defaultValue
	}
	return section.Key(keyName).MustInt(defaultValue)
}

func valueAsBool(section *ini.Section, keyName string, defaultValue bool) bool {
	if section == nil {
		return defaultValue
	}
	return section.Key(keyName).MustBool(defaultValue)
}

func (cfg *Cfg) parseBakreadCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	cfg.BakreadCacheSizeMB = valueAsInt(section, "cache_size_mb", cfg.BakreadCacheSizeMB)
	cfg.BakreadIndexDir = valueAsString(section, "index_dir", cfg.BakreadIndexDir)
	cfg.BakreadThreads = valueAsInt(section, "threads", cfg.BakreadThreads)
	cfg.BakreadFormat = valueAsString(section, "format", cfg.BakreadFormat)
	cfg.BakreadForceRescan = valueAsBool(section, "force_rescan", cfg.BakreadForceRescan)

	if raw := valueAsString(section, "max_rows", ""); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			cfg.BakreadMaxRows = n
		} else {
			logger.Warnf("conf: bakread.max_rows %q is not a valid unsigned integer, keeping %d", raw, cfg.BakreadMaxRows)
		}
	}
	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	cfg.LogError = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos = valueAsString(section, "log_infos", cfg.LogInfos)

	level := strings.ToLower(valueAsString(section, "log_level", cfg.LogLevel))
	switch level {
	case "debug", "info", "warn", "error", "fatal", "panic":
		cfg.LogLevel = level
	default:
		logger.Warnf("conf: bakread.log_level %q is not recognized, keeping %q", level, cfg.LogLevel)
	}
	return cfg
}

// DefaultConfigPath returns the conventional config location relative to
// the current working directory, used when --config is not given.
func DefaultConfigPath() string {
	abs, err := filepath.Abs("conf/bakread.ini")
	if err != nil {
		return "conf/bakread.ini"
	}
	return abs
}
