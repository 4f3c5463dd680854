// Package config provides configuration management for tav using Viper for
// loading from files, environment variables and command-line flags.
//
// The configuration system reads .tav.yml, honours TAV_ prefixed environment
// overrides (TAV_BRIDGE_TIMEOUT, TAV_BUILD_GODOT_PATH, ...) and loads .env
// files so engine paths can live next to the project, as GODOT_PATH does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete tav configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Build   BuildConfig   `mapstructure:"build" yaml:"build"`
	Preview PreviewConfig `mapstructure:"preview" yaml:"preview"`
	Watch   WatchConfig   `mapstructure:"watch" yaml:"watch"`
	Bridge  BridgeConfig  `mapstructure:"bridge" yaml:"bridge"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// ServerConfig configures the controller-facing API server.
type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host"`
	Port           int      `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// RateLimit is requests per minute per client. Zero disables it.
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// BuildConfig configures the external exporter and the build cache.
type BuildConfig struct {
	GodotPath     string        `mapstructure:"godot_path" yaml:"godot_path"`
	ExportPreset  string        `mapstructure:"export_preset" yaml:"export_preset"`
	OutputDir     string        `mapstructure:"output_dir" yaml:"output_dir"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheProjects int           `mapstructure:"cache_projects" yaml:"cache_projects"`
	PersistCache  bool          `mapstructure:"persist_cache" yaml:"persist_cache"`
}

// PreviewConfig configures the local artifact server.
type PreviewConfig struct {
	Host        string `mapstructure:"host" yaml:"host"`
	PortStart   int    `mapstructure:"port_start" yaml:"port_start"`
	PortEnd     int    `mapstructure:"port_end" yaml:"port_end"`
	AutoRebuild bool   `mapstructure:"auto_rebuild" yaml:"auto_rebuild"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// WatchConfig configures the project file watcher.
type WatchConfig struct {
	Debounce   time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Extensions []string      `mapstructure:"extensions" yaml:"extensions"`
}

// BridgeConfig configures request timeouts towards the running artifact.
type BridgeConfig struct {
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CaptureNodeTimeout time.Duration `mapstructure:"capture_node_timeout" yaml:"capture_node_timeout"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultExtensions are the buildable file types the watcher reacts to.
var DefaultExtensions = []string{
	".gd", ".tscn", ".tres", ".png", ".jpg", ".wav", ".ogg",
	".godot", ".gdshader", ".cfg", ".json",
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7420)
	v.SetDefault("server.rate_limit", 600)

	v.SetDefault("build.export_preset", "Web")
	v.SetDefault("build.output_dir", ".tav/web")
	v.SetDefault("build.timeout", 10*time.Minute)
	v.SetDefault("build.cache_projects", 64)
	v.SetDefault("build.persist_cache", true)

	v.SetDefault("preview.host", "127.0.0.1")
	v.SetDefault("preview.port_start", 8080)
	v.SetDefault("preview.port_end", 8999)
	v.SetDefault("preview.auto_rebuild", false)
	v.SetDefault("preview.compress", true)

	v.SetDefault("watch.debounce", 500*time.Millisecond)
	v.SetDefault("watch.extensions", DefaultExtensions)

	v.SetDefault("bridge.timeout", 5*time.Second)
	v.SetDefault("bridge.capture_node_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Slices set through env vars arrive as one comma separated string.
	if len(config.Watch.Extensions) == 1 && strings.Contains(config.Watch.Extensions[0], ",") {
		config.Watch.Extensions = strings.Split(config.Watch.Extensions[0], ",")
	}
	for i, ext := range config.Watch.Extensions {
		ext = strings.TrimSpace(ext)
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		config.Watch.Extensions[i] = ext
	}

	if config.Build.GodotPath == "" {
		config.Build.GodotPath = os.Getenv("GODOT_PATH")
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := LoadFrom(viper.New())
	if err != nil {
		// Defaults always validate.
		panic(err)
	}
	return cfg
}

// ReadProjectEnv reads <project>/.env without touching the process
// environment. A missing file yields an empty map.
func ReadProjectEnv(projectPath string) map[string]string {
	env, err := godotenv.Read(filepath.Join(projectPath, ".env"))
	if err != nil {
		return map[string]string{}
	}
	return env
}

// LoadDotEnv loads ./.env into the process environment if present.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func validateConfig(config *Config) error {
	if err := validatePort("server.port", config.Server.Port); err != nil {
		return err
	}
	if err := validateHost(config.Server.Host); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if config.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if err := validateHost(config.Preview.Host); err != nil {
		return fmt.Errorf("preview config: %w", err)
	}

	if config.Preview.PortStart != 0 || config.Preview.PortEnd != 0 {
		if err := validatePort("preview.port_start", config.Preview.PortStart); err != nil {
			return err
		}
		if err := validatePort("preview.port_end", config.Preview.PortEnd); err != nil {
			return err
		}
		if config.Preview.PortEnd < config.Preview.PortStart {
			return fmt.Errorf("preview.port_end %d is below port_start %d",
				config.Preview.PortEnd, config.Preview.PortStart)
		}
	}

	if err := validateOutputDir(config.Build.OutputDir); err != nil {
		return fmt.Errorf("build config: %w", err)
	}
	if config.Build.Timeout <= 0 {
		return fmt.Errorf("build.timeout must be positive")
	}
	if config.Build.CacheProjects <= 0 {
		return fmt.Errorf("build.cache_projects must be positive")
	}

	if config.Watch.Debounce <= 0 {
		return fmt.Errorf("watch.debounce must be positive")
	}
	if config.Bridge.Timeout <= 0 || config.Bridge.CaptureNodeTimeout <= 0 {
		return fmt.Errorf("bridge timeouts must be positive")
	}

	switch config.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", config.Log.Format)
	}

	return nil
}

func validatePort(key string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s %d is not in valid range 0-65535", key, port)
	}
	return nil
}

func validateHost(host string) error {
	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("host contains dangerous character: %s", char)
		}
	}
	return nil
}

// validateOutputDir keeps the export directory inside the project.
func validateOutputDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("output_dir is required")
	}

	cleanPath := filepath.Clean(dir)
	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("output_dir should be relative path: %s", dir)
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output_dir contains path traversal: %s", dir)
	}
	return nil
}
