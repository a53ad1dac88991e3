package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	PublicURL  string        `mapstructure:"public_url"`

	Rate       RateConfig       `mapstructure:"rate"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Compositor CompositorConfig `mapstructure:"compositor"`
	Store      StoreConfig      `mapstructure:"store"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type EngineConfig struct {
	Kind            string `mapstructure:"kind"`
	ListenIP        string `mapstructure:"listen_ip"`
	AnnouncedIP     string `mapstructure:"announced_ip"`
	PortMin         uint16 `mapstructure:"port_min"`
	PortMax         uint16 `mapstructure:"port_max"`
	MirrorIP        string `mapstructure:"mirror_ip"`
	IncludeLoopback bool   `mapstructure:"include_loopback"`
}

type CompositorConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	FFmpegPath             string        `mapstructure:"ffmpeg_path"`
	OutputDir              string        `mapstructure:"output_dir"`
	Debounce               time.Duration `mapstructure:"debounce"`
	StopTimeout            time.Duration `mapstructure:"stop_timeout"`
	Width                  int           `mapstructure:"width"`
	Height                 int           `mapstructure:"height"`
	SegmentSeconds         int           `mapstructure:"segment_seconds"`
	ListSize               int           `mapstructure:"list_size"`
	MirrorCodecs           []string      `mapstructure:"mirror_codecs"`
	MirrorHeaderExtensions []string      `mapstructure:"mirror_header_extensions"`
}

type StoreConfig struct {
	Kind string `mapstructure:"kind"`
	DSN  string `mapstructure:"dsn"`
}

type ArchiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Endpoint   string `mapstructure:"endpoint"`
	Bucket     string `mapstructure:"bucket"`
	Region     string `mapstructure:"region"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	MaxRetries int    `mapstructure:"max_retries"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "confcast-dev-secret")
	v.SetDefault("public_url", "http://localhost:8080")

	v.SetDefault("rate.limit", 50)
	v.SetDefault("rate.interval", "1s")

	v.SetDefault("engine.kind", "webrtc")
	v.SetDefault("engine.listen_ip", "")
	v.SetDefault("engine.announced_ip", "")
	v.SetDefault("engine.port_min", 40000)
	v.SetDefault("engine.port_max", 49999)
	v.SetDefault("engine.mirror_ip", "127.0.0.1")
	v.SetDefault("engine.include_loopback", false)

	v.SetDefault("compositor.enabled", true)
	v.SetDefault("compositor.ffmpeg_path", "ffmpeg")
	v.SetDefault("compositor.output_dir", "./hls")
	v.SetDefault("compositor.debounce", "3s")
	v.SetDefault("compositor.stop_timeout", "5s")
	v.SetDefault("compositor.width", 1280)
	v.SetDefault("compositor.height", 720)
	v.SetDefault("compositor.segment_seconds", 2)
	v.SetDefault("compositor.list_size", 10)
	v.SetDefault("compositor.mirror_codecs", []string{"audio/opus", "video/VP8", "video/H264"})
	v.SetDefault("compositor.mirror_header_extensions", []string{
		"urn:ietf:params:rtp-hdrext:sdes:mid",
		"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
	})

	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.endpoint", "localhost:9000")
	v.SetDefault("archive.bucket", "confcast")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.use_ssl", false)
	v.SetDefault("archive.max_retries", 5)
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CONFCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Engine: %s | Store: %s\n", cfg.Mode, cfg.Port, cfg.Engine.Kind, cfg.Store.Kind)
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Engine.Kind {
	case "webrtc", "loopback":
	default:
		return fmt.Errorf("engine.kind %q: want webrtc or loopback", c.Engine.Kind)
	}
	switch c.Store.Kind {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("store.kind %q: want memory or postgres", c.Store.Kind)
	}
	if c.Archive.Enabled && !c.Compositor.Enabled {
		return fmt.Errorf("archive needs the compositor enabled")
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	return nil
}
