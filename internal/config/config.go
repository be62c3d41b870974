package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// Config represents the svrl daemon configuration
type Config struct {
	Debug    bool     `mapstructure:"debug"`
	Server   Server   `mapstructure:"server"`
	Logs     Logs     `mapstructure:"logs"`
	Database Database `mapstructure:"database"`
	Sessions Sessions `mapstructure:"sessions"`
	ADB      ADB      `mapstructure:"adb"`
	Device   Device   `mapstructure:"device"`
	Backend  Backend  `mapstructure:"backend"`
	Launch   Launch   `mapstructure:"launch"`
	Audio    Audio    `mapstructure:"audio"`
	Overlay  Overlay  `mapstructure:"overlay"`
	Steam    Steam    `mapstructure:"steam"`
	Catalog  Catalog  `mapstructure:"catalog"`
	Battery  Battery  `mapstructure:"battery"`
}

// Server contains HTTP API settings
type Server struct {
	Listen string `mapstructure:"listen"`
}

// Logs contains session log settings
type Logs struct {
	Dir string `mapstructure:"dir"`
}

// Database contains the game library location
type Database struct {
	Path string `mapstructure:"path"`
}

// Sessions contains the session history location
type Sessions struct {
	Dir string `mapstructure:"dir"`
}

// ADB contains device bridge settings
type ADB struct {
	Binary    string `mapstructure:"binary"`
	TCPIPPort int    `mapstructure:"tcpip_port"`
}

// Device contains headset discovery settings
type Device struct {
	SysfsRoot    string        `mapstructure:"sysfs_root"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Hotplug      bool          `mapstructure:"hotplug"`
}

// Backend contains VR runtime settings shared by all backend variants
type Backend struct {
	StartGrace     time.Duration `mapstructure:"start_grace"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	TunnelPort     int           `mapstructure:"tunnel_port"`
	WiVRn          WiVRn         `mapstructure:"wivrn"`
	Envision       Envision      `mapstructure:"envision"`
}

// WiVRn contains WiVRn-specific settings
type WiVRn struct {
	ServerBinary     string `mapstructure:"server_binary"`
	ClientPackage    string `mapstructure:"client_package"`
	AudioMatch       string `mapstructure:"audio_match"`
	ReconnectPattern string `mapstructure:"reconnect_pattern"`
}

// Envision contains the location of the Envision profile database
type Envision struct {
	ConfigPath string `mapstructure:"config_path"`
}

// Launch contains game launch settings
type Launch struct {
	Interpreter       string        `mapstructure:"interpreter"`
	TokenEnv          string        `mapstructure:"token_env"`
	AudioTimeout      time.Duration `mapstructure:"audio_timeout"`
	AudioPoll         time.Duration `mapstructure:"audio_poll"`
	RequireHMDMounted bool          `mapstructure:"require_hmd_mounted"`
}

// Audio contains the audio control settings
type Audio struct {
	Pactl string `mapstructure:"pactl"`
}

// Overlay contains the auxiliary overlay settings
type Overlay struct {
	Enabled bool          `mapstructure:"enabled"`
	Binary  string        `mapstructure:"binary"`
	Grace   time.Duration `mapstructure:"grace"`
}

// Steam contains the Steam installation used for compat tools and environment
type Steam struct {
	Root string `mapstructure:"root"`
	User string `mapstructure:"user"`
}

// Catalog contains statically declared apps and compat tools
type Catalog struct {
	Apps        []App        `mapstructure:"apps"`
	CompatTools []CompatTool `mapstructure:"compat_tools"`
}

// App describes an installed application that can be launched by id
type App struct {
	SteamID    uint32   `mapstructure:"steam_id"`
	Title      string   `mapstructure:"title"`
	AppFolder  string   `mapstructure:"app_folder"`
	WorkingDir string   `mapstructure:"working_dir"`
	Executable string   `mapstructure:"executable"`
	Args       []string `mapstructure:"args"`
}

// CompatTool describes a compatibility tool by name
type CompatTool struct {
	Name       string `mapstructure:"name"`
	Executable string `mapstructure:"executable"`
}

// Battery contains headset battery polling settings
type Battery struct {
	Interval time.Duration `mapstructure:"interval"`
	History  int           `mapstructure:"history"`
}

// Load loads the configuration from cfgFile, or from ~/.svrl/config.yaml when
// cfgFile is empty. A missing default config file yields defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		configDir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
	}

	// Environment overrides, e.g. SVRL_SERVER_LISTEN
	v.SetEnvPrefix("svrl")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	setDefaults(v)

	// Try to read config file, but don't fail if it doesn't exist
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.expandPaths()

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("server.listen", "0.0.0.0:3001")
	v.SetDefault("logs.dir", "~/.svrl/logs")
	v.SetDefault("database.path", "~/.svrl/games.db")
	v.SetDefault("sessions.dir", "~/.svrl/sessions")

	v.SetDefault("adb.binary", "adb")
	v.SetDefault("adb.tcpip_port", 5555)

	v.SetDefault("device.sysfs_root", "/sys")
	v.SetDefault("device.poll_interval", "500ms")
	v.SetDefault("device.hotplug", true)

	v.SetDefault("backend.start_grace", "2s")
	v.SetDefault("backend.reconnect_delay", "3s")
	v.SetDefault("backend.ready_timeout", "10s")
	v.SetDefault("backend.tunnel_port", 9757)
	v.SetDefault("backend.wivrn.server_binary", "wivrn-server")
	v.SetDefault("backend.wivrn.client_package", "org.meumeu.wivrn.github")
	v.SetDefault("backend.wivrn.audio_match", "wivrn")
	v.SetDefault("backend.wivrn.reconnect_pattern", "Exception in network thread: Socket shutdown")
	v.SetDefault("backend.envision.config_path", "~/.config/envision/envision.json")

	v.SetDefault("launch.interpreter", "python3")
	v.SetDefault("launch.token_env", "SVRL_TOKEN")
	v.SetDefault("launch.audio_timeout", "3s")
	v.SetDefault("launch.audio_poll", "100ms")
	v.SetDefault("launch.require_hmd_mounted", false)

	v.SetDefault("audio.pactl", "pactl")

	v.SetDefault("overlay.enabled", true)
	v.SetDefault("overlay.binary", "wlx-overlay-s")
	v.SetDefault("overlay.grace", "500ms")

	v.SetDefault("steam.root", "~/.steam/steam")
	v.SetDefault("steam.user", "")

	v.SetDefault("battery.interval", "60s")
	v.SetDefault("battery.history", 128)
}

// expandPaths expands ~ in every path-valued setting
func (c *Config) expandPaths() {
	c.Logs.Dir = expandPath(c.Logs.Dir)
	c.Database.Path = expandPath(c.Database.Path)
	c.Sessions.Dir = expandPath(c.Sessions.Dir)
	c.Backend.Envision.ConfigPath = expandPath(c.Backend.Envision.ConfigPath)
	c.Steam.Root = expandPath(c.Steam.Root)

	for i := range c.Catalog.Apps {
		c.Catalog.Apps[i].AppFolder = expandPath(c.Catalog.Apps[i].AppFolder)
		c.Catalog.Apps[i].WorkingDir = expandPath(c.Catalog.Apps[i].WorkingDir)
	}
	for i := range c.Catalog.CompatTools {
		c.Catalog.CompatTools[i].Executable = expandPath(c.Catalog.CompatTools[i].Executable)
	}
}

// expandPath expands a leading ~, returning the input unchanged on failure
func expandPath(path string) string {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}

// ConfigDir returns the svrl configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".svrl"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	configDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0755)
}
