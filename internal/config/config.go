package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type ProviderConfig struct {
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	APIKey      string  `json:"api_key" yaml:"api_key"`
	TimeoutMS   int     `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries  int     `json:"max_retries" yaml:"max_retries"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

type RuntimeConfig struct {
	MaxIterations       int    `json:"max_iterations" yaml:"max_iterations"`
	HistoryLimit        int    `json:"history_limit" yaml:"history_limit"`
	HistoryTokenBudget  int    `json:"history_token_budget" yaml:"history_token_budget"`
	SettleDelayMS       int    `json:"settle_delay_ms" yaml:"settle_delay_ms"`
	ProbeTimeoutMS      int    `json:"probe_timeout_ms" yaml:"probe_timeout_ms"`
	RunTimeoutMS        int    `json:"run_timeout_ms" yaml:"run_timeout_ms"`
	SerializeProjectRun bool   `json:"serialize_project_runs" yaml:"serialize_project_runs"`
	Mode                string `json:"mode" yaml:"mode"`
	SelfHeal            bool   `json:"self_heal" yaml:"self_heal"`
}

type LocalSandboxConfig struct {
	Root string `json:"root" yaml:"root"`
}

type RemoteSandboxConfig struct {
	BaseURL           string  `json:"base_url" yaml:"base_url"`
	APIKey            string  `json:"api_key" yaml:"api_key"`
	Domain            string  `json:"domain" yaml:"domain"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
}

type SandboxConfig struct {
	Driver           string              `json:"driver" yaml:"driver"`
	Template         string              `json:"template" yaml:"template"`
	BaseTemplate     string              `json:"base_template" yaml:"base_template"`
	TimeoutMS        int                 `json:"timeout_ms" yaml:"timeout_ms"`
	Port             int                 `json:"port" yaml:"port"`
	CommandTimeoutMS int                 `json:"command_timeout_ms" yaml:"command_timeout_ms"`
	OutputLimitBytes int                 `json:"output_limit_bytes" yaml:"output_limit_bytes"`
	LogPath          string              `json:"log_path" yaml:"log_path"`
	InstallCommand   string              `json:"install_command" yaml:"install_command"`
	StartCommand     string              `json:"start_command" yaml:"start_command"`
	Local            LocalSandboxConfig  `json:"local" yaml:"local"`
	Remote           RemoteSandboxConfig `json:"remote" yaml:"remote"`
}

type LedgerConfig struct {
	Path        string `json:"path" yaml:"path"`
	InMemory    bool   `json:"in_memory" yaml:"in_memory"`
	Timezone    string `json:"timezone" yaml:"timezone"`
	FreeDaily   int    `json:"free_daily" yaml:"free_daily"`
	FreeMonthly int    `json:"free_monthly" yaml:"free_monthly"`
	PaidMonthly int    `json:"paid_monthly" yaml:"paid_monthly"`
	Cost        int    `json:"cost" yaml:"cost"`
	TwoPhase    bool   `json:"two_phase" yaml:"two_phase"`
}

type StorageConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

type ServerConfig struct {
	Addr       string `json:"addr" yaml:"addr"`
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type Config struct {
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Runtime  RuntimeConfig  `json:"runtime" yaml:"runtime"`
	Sandbox  SandboxConfig  `json:"sandbox" yaml:"sandbox"`
	Ledger   LedgerConfig   `json:"ledger" yaml:"ledger"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

const (
	ModeAgent = "agent"
	ModeFast  = "fast"

	DriverLocal  = "local"
	DriverRemote = "remote"
)

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			TimeoutMS:   120000,
			MaxRetries:  2,
			Temperature: 0.1,
		},
		Runtime: RuntimeConfig{
			MaxIterations:       8,
			HistoryLimit:        10,
			HistoryTokenBudget:  6000,
			SettleDelayMS:       5000,
			ProbeTimeoutMS:      5000,
			RunTimeoutMS:        15 * 60 * 1000,
			SerializeProjectRun: true,
			Mode:                ModeAgent,
			SelfHeal:            true,
		},
		Sandbox: SandboxConfig{
			Driver:           DriverLocal,
			Template:         "vibe-react",
			BaseTemplate:     "base",
			TimeoutMS:        30 * 60 * 1000,
			Port:             3000,
			CommandTimeoutMS: 120000,
			OutputLimitBytes: 64 * 1024,
			LogPath:          "/home/user/npm_output.log",
			InstallCommand:   "npm install",
			StartCommand:     "npm run dev",
			Local:            LocalSandboxConfig{Root: "~/.vibe/sandboxes"},
			Remote:           RemoteSandboxConfig{RequestsPerSecond: 10},
		},
		Ledger: LedgerConfig{
			Path:        "~/.vibe/ledger",
			Timezone:    "Africa/Cairo",
			FreeDaily:   5,
			FreeMonthly: 50,
			PaidMonthly: 100,
			Cost:        1,
		},
		Storage: StorageConfig{DBPath: "~/.vibe/vibe.db"},
		Server:  ServerConfig{Addr: ":8080"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load layers defaults, the global file, the project file (or path) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("VIBE_CONFIG_PATH")); envPath != "" && resolvedPath == "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func globalConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".vibe", "config.json"),
		filepath.Join(home, ".vibe", "config.yaml"),
	}
}

func findProjectConfigPath() string {
	for _, c := range []string{"vibe.json", "vibe.jsonc", "vibe.yaml", "vibe.yml"} {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// mergeFromFile overlays the keys present in the file onto cfg. Missing files are skipped.
func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	switch strings.ToLower(filepath.Ext(resolved)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %q: %w", resolved, err)
		}
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(stripJSONComments(data), cfg); err != nil {
			return fmt.Errorf("parse config %q: %w", resolved, err)
		}
	}
	return nil
}

func normalize(cfg *Config) error {
	def := Default()
	cfg.Provider.BaseURL = strings.TrimSpace(cfg.Provider.BaseURL)
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = def.Provider.BaseURL
	}
	if strings.TrimSpace(cfg.Provider.Model) == "" {
		cfg.Provider.Model = def.Provider.Model
	}
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}
	if cfg.Provider.MaxRetries < 0 {
		cfg.Provider.MaxRetries = 0
	}

	if cfg.Runtime.MaxIterations <= 0 {
		cfg.Runtime.MaxIterations = def.Runtime.MaxIterations
	}
	if cfg.Runtime.HistoryLimit <= 0 {
		cfg.Runtime.HistoryLimit = def.Runtime.HistoryLimit
	}
	if cfg.Runtime.HistoryTokenBudget <= 0 {
		cfg.Runtime.HistoryTokenBudget = def.Runtime.HistoryTokenBudget
	}
	if cfg.Runtime.SettleDelayMS < 0 {
		cfg.Runtime.SettleDelayMS = 0
	}
	if cfg.Runtime.ProbeTimeoutMS <= 0 {
		cfg.Runtime.ProbeTimeoutMS = def.Runtime.ProbeTimeoutMS
	}
	if cfg.Runtime.RunTimeoutMS <= 0 {
		cfg.Runtime.RunTimeoutMS = def.Runtime.RunTimeoutMS
	}
	cfg.Runtime.Mode = strings.ToLower(strings.TrimSpace(cfg.Runtime.Mode))
	switch cfg.Runtime.Mode {
	case "":
		cfg.Runtime.Mode = ModeAgent
	case ModeAgent, ModeFast:
	default:
		return fmt.Errorf("invalid runtime.mode %q", cfg.Runtime.Mode)
	}

	cfg.Sandbox.Driver = strings.ToLower(strings.TrimSpace(cfg.Sandbox.Driver))
	switch cfg.Sandbox.Driver {
	case "":
		cfg.Sandbox.Driver = DriverLocal
	case DriverLocal:
	case DriverRemote:
		if strings.TrimSpace(cfg.Sandbox.Remote.BaseURL) == "" {
			return errors.New("sandbox.remote.base_url is required for the remote driver")
		}
	default:
		return fmt.Errorf("invalid sandbox.driver %q", cfg.Sandbox.Driver)
	}
	if cfg.Sandbox.Port <= 0 {
		cfg.Sandbox.Port = def.Sandbox.Port
	}
	if cfg.Sandbox.TimeoutMS <= 0 {
		cfg.Sandbox.TimeoutMS = def.Sandbox.TimeoutMS
	}
	if cfg.Sandbox.CommandTimeoutMS <= 0 {
		cfg.Sandbox.CommandTimeoutMS = def.Sandbox.CommandTimeoutMS
	}
	if cfg.Sandbox.OutputLimitBytes <= 0 {
		cfg.Sandbox.OutputLimitBytes = def.Sandbox.OutputLimitBytes
	}
	if strings.TrimSpace(cfg.Sandbox.BaseTemplate) == "" {
		cfg.Sandbox.BaseTemplate = def.Sandbox.BaseTemplate
	}
	if strings.TrimSpace(cfg.Sandbox.LogPath) == "" {
		cfg.Sandbox.LogPath = def.Sandbox.LogPath
	}
	if strings.TrimSpace(cfg.Sandbox.StartCommand) == "" {
		cfg.Sandbox.StartCommand = def.Sandbox.StartCommand
	}
	if cfg.Sandbox.Remote.RequestsPerSecond <= 0 {
		cfg.Sandbox.Remote.RequestsPerSecond = def.Sandbox.Remote.RequestsPerSecond
	}
	root, err := expandPath(cfg.Sandbox.Local.Root)
	if err != nil {
		return err
	}
	cfg.Sandbox.Local.Root = root

	if strings.TrimSpace(cfg.Ledger.Timezone) == "" {
		cfg.Ledger.Timezone = def.Ledger.Timezone
	}
	if _, err := time.LoadLocation(cfg.Ledger.Timezone); err != nil {
		return fmt.Errorf("invalid ledger.timezone %q: %w", cfg.Ledger.Timezone, err)
	}
	if cfg.Ledger.FreeDaily <= 0 {
		cfg.Ledger.FreeDaily = def.Ledger.FreeDaily
	}
	if cfg.Ledger.FreeMonthly <= 0 {
		cfg.Ledger.FreeMonthly = def.Ledger.FreeMonthly
	}
	if cfg.Ledger.PaidMonthly <= 0 {
		cfg.Ledger.PaidMonthly = def.Ledger.PaidMonthly
	}
	if cfg.Ledger.Cost <= 0 {
		cfg.Ledger.Cost = def.Ledger.Cost
	}
	if !cfg.Ledger.InMemory {
		p, err := expandPath(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		cfg.Ledger.Path = p
	}

	dbPath, err := expandPath(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	cfg.Storage.DBPath = dbPath

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("VIBE_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_MAX_ITERATIONS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid VIBE_MAX_ITERATIONS: %q", v)
		}
		cfg.Runtime.MaxIterations = n
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_MODE")); v != "" {
		cfg.Runtime.Mode = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_SANDBOX_DRIVER")); v != "" {
		cfg.Sandbox.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_SANDBOX_API_KEY")); v != "" {
		cfg.Sandbox.Remote.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_DB_PATH")); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_LEDGER_PATH")); v != "" {
		cfg.Ledger.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_ADMIN_TOKEN")); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func (c RuntimeConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

func (c RuntimeConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

func (c RuntimeConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMS) * time.Millisecond
}

func (c SandboxConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c SandboxConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}

// stripJSONComments removes // and /* */ comments outside string literals.
func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	out := bytes.Buffer{}

	for i := 0; i < len(data); i++ {
		c := data[i]
		next := byte(0)
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			switch {
			case c == '"':
				state = stateString
				out.WriteByte(c)
			case c == '/' && next == '/':
				state = stateLineComment
				i++
			case c == '/' && next == '*':
				state = stateBlockComment
				i++
			default:
				out.WriteByte(c)
			}
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}
	return out.Bytes()
}
