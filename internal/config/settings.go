package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	appDirName            = ".wandbctl"
	DefaultBaseURL        = "https://api.wandb.ai"
	DefaultGPURate        = 2.50
	DefaultZombieMinutes  = 15
	DefaultDuplicateLimit = 5
	DefaultDuplicateHours = 24
	DefaultEarlyCrashRuns = 5
	DefaultEarlyCrashSecs = 300
)

// Settings is the operator configuration read from config.toml.
type Settings struct {
	Entity    string            `toml:"entity"`
	Project   string            `toml:"project"`
	BaseURL   string            `toml:"base_url"`
	CachePath string            `toml:"cache_path"`
	DSN       string            `toml:"dsn"`
	GPURate   float64           `toml:"gpu_rate"`
	Zombies   ZombieSettings    `toml:"zombies"`
	Preflight PreflightSettings `toml:"preflight"`

	// APIKey is never read from the file.
	APIKey string `toml:"-"`
}

type ZombieSettings struct {
	ThresholdMinutes int `toml:"threshold_minutes"`
}

type PreflightSettings struct {
	DuplicateWindowHours     int `toml:"duplicate_window_hours"`
	DuplicateLimit           int `toml:"duplicate_limit"`
	EarlyCrashLimit          int `toml:"early_crash_limit"`
	EarlyCrashRuntimeSeconds int `toml:"early_crash_runtime_seconds"`
}

func Default() Settings {
	return Settings{
		BaseURL: DefaultBaseURL,
		GPURate: DefaultGPURate,
		Zombies: ZombieSettings{ThresholdMinutes: DefaultZombieMinutes},
		Preflight: PreflightSettings{
			DuplicateWindowHours:     DefaultDuplicateHours,
			DuplicateLimit:           DefaultDuplicateLimit,
			EarlyCrashLimit:          DefaultEarlyCrashRuns,
			EarlyCrashRuntimeSeconds: DefaultEarlyCrashSecs,
		},
	}
}

// DataDir is ~/.wandbctl.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

func DefaultSettingsPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func DefaultCachePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

// Load reads settings from path (the default location when empty), then
// applies environment overrides. A missing file leaves the defaults.
func Load(path string) (Settings, error) {
	if strings.TrimSpace(path) == "" {
		p, err := DefaultSettingsPath()
		if err != nil {
			return Settings{}, err
		}
		path = p
	}
	path, err := expandHome(path)
	if err != nil {
		return Settings{}, err
	}
	cfg := Default()
	if err := readTOML(path, &cfg); err != nil {
		return Settings{}, err
	}
	cfg.applyEnv(os.Getenv)
	cfg.fillDefaults()
	if cfg.CachePath == "" {
		if cfg.CachePath, err = DefaultCachePath(); err != nil {
			return Settings{}, err
		}
	}
	if cfg.CachePath, err = expandHome(cfg.CachePath); err != nil {
		return Settings{}, err
	}
	if cfg.APIKey == "" {
		cfg.APIKey = netrcKey(cfg.BaseURL)
	}
	return cfg, nil
}

func (s *Settings) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&s.APIKey, "WANDB_API_KEY")
	set(&s.Entity, "WANDB_ENTITY")
	set(&s.Project, "WANDB_PROJECT")
	set(&s.BaseURL, "WANDB_BASE_URL")
	set(&s.CachePath, "WANDBCTL_CACHE")
	set(&s.DSN, "DATABASE_URL")
}

// fillDefaults replaces zero or negative values left by a partial file.
func (s *Settings) fillDefaults() {
	d := Default()
	if strings.TrimSpace(s.BaseURL) == "" {
		s.BaseURL = d.BaseURL
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.GPURate <= 0 {
		s.GPURate = d.GPURate
	}
	if s.Zombies.ThresholdMinutes <= 0 {
		s.Zombies.ThresholdMinutes = d.Zombies.ThresholdMinutes
	}
	p := &s.Preflight
	if p.DuplicateWindowHours <= 0 {
		p.DuplicateWindowHours = d.Preflight.DuplicateWindowHours
	}
	if p.DuplicateLimit <= 0 {
		p.DuplicateLimit = d.Preflight.DuplicateLimit
	}
	if p.EarlyCrashLimit <= 0 {
		p.EarlyCrashLimit = d.Preflight.EarlyCrashLimit
	}
	if p.EarlyCrashRuntimeSeconds <= 0 {
		p.EarlyCrashRuntimeSeconds = d.Preflight.EarlyCrashRuntimeSeconds
	}
}

func readTOML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
	}
	return path, nil
}
