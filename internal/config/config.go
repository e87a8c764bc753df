package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Store struct {
		// Driver is sqlite or memory.
		Driver string
		Path   string
	}
	Paths struct {
		WorkDir      string `mapstructure:"work_dir"`
		PublishedDir string `mapstructure:"published_dir"`
		LockDir      string `mapstructure:"lock_dir"`
	}
	Retention struct {
		WorkMaxAge time.Duration `mapstructure:"work_max_age"`
		Window     time.Duration
		Grace      time.Duration
	}
	Sweep struct {
		Interval time.Duration
	}
	Tools struct {
		Downloader       string
		Encoder          string
		DownloadTimeout  time.Duration `mapstructure:"download_timeout"`
		EncodeTimeout    time.Duration `mapstructure:"encode_timeout"`
		ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
		AttemptsPerMin   float64       `mapstructure:"attempts_per_min"`
		ProgressSampling int           `mapstructure:"progress_sampling"`
	}
	Queue struct {
		RetrievalWorkers int `mapstructure:"retrieval_workers"`
		TranscodeWorkers int `mapstructure:"transcode_workers"`
		PublishWorkers   int `mapstructure:"publish_workers"`
		CleanupWorkers   int `mapstructure:"cleanup_workers"`
		BufferSize       int `mapstructure:"buffer_size"`
		MaxDeliveries    int `mapstructure:"max_deliveries"`
	}
	Storage struct {
		Bucket     string
		Region     string
		Endpoint   string
		KeyPrefix  string        `mapstructure:"key_prefix"`
		PresignTTL time.Duration `mapstructure:"presign_ttl"`
	}
	AWS struct {
		Profile string
	}
	Log struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int `mapstructure:"max_size_mb"`
		MaxBackups int `mapstructure:"max_backups"`
		MaxAgeDays int `mapstructure:"max_age_days"`
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file instead of ./config.*.
func LoadFile(path string) (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("AUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // optional file
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8000")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/tasks.db")
	v.SetDefault("paths.work_dir", "data/work")
	v.SetDefault("paths.published_dir", "data/published")
	v.SetDefault("paths.lock_dir", "")
	v.SetDefault("retention.work_max_age", 24*time.Hour)
	v.SetDefault("retention.window", 7*24*time.Hour)
	v.SetDefault("retention.grace", time.Hour)
	v.SetDefault("sweep.interval", time.Hour)
	v.SetDefault("tools.downloader", "yt-dlp")
	v.SetDefault("tools.encoder", "ffmpeg")
	v.SetDefault("tools.download_timeout", 5*time.Minute)
	v.SetDefault("tools.encode_timeout", 30*time.Minute)
	v.SetDefault("tools.probe_timeout", 30*time.Second)
	v.SetDefault("tools.attempts_per_min", 30.0)
	v.SetDefault("tools.progress_sampling", 5)
	v.SetDefault("queue.retrieval_workers", 4)
	v.SetDefault("queue.transcode_workers", 2)
	v.SetDefault("queue.publish_workers", 2)
	v.SetDefault("queue.cleanup_workers", 1)
	v.SetDefault("queue.buffer_size", 256)
	v.SetDefault("queue.max_deliveries", 2)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.key_prefix", "audio-converter")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.presign_ttl", time.Hour)
	v.SetDefault("aws.profile", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("retention window must be positive")
	}
	if c.Retention.Grace < 0 {
		return fmt.Errorf("retention grace must not be negative")
	}
	if c.Paths.LockDir == "" {
		c.Paths.LockDir = filepath.Join(c.Paths.WorkDir, ".locks")
	}
	return nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
