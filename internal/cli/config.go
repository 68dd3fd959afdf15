package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/drt-dist/internal/controller"
	"github.com/ChuLiYu/drt-dist/internal/storage/sqlsink"
)

// Config represents the node configuration file.
type Config struct {
	Node struct {
		Listen       string        `yaml:"listen"`
		Threads      int           `yaml:"threads"`
		ReplyWorkers int           `yaml:"reply_workers"`
		QueueSize    int           `yaml:"queue_size"`
		SendTimeout  time.Duration `yaml:"send_timeout"`
		SendRate     float64       `yaml:"send_rate"`
		SendBurst    int           `yaml:"send_burst"`
	} `yaml:"node"`

	Design struct {
		SharedDir string `yaml:"shared_dir"`
	} `yaml:"design"`

	Snapshot struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Sink struct {
		Design  string `yaml:"design"`
		Journal string `yaml:"journal"`
		SQL     struct {
			Dialect string `yaml:"dialect"` // sqlite | postgres
			DSN     string `yaml:"dsn"`
		} `yaml:"sql"`
	} `yaml:"sink"`

	Log LogConfig `yaml:"log"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.Node.Listen == "" {
		c.Node.Listen = ":50051"
	}
	if c.Node.Threads <= 0 {
		c.Node.Threads = runtime.NumCPU()
	}
	if c.Node.ReplyWorkers <= 0 {
		c.Node.ReplyWorkers = 1
	}
	if c.Node.QueueSize <= 0 {
		c.Node.QueueSize = 256
	}
	if c.Node.SendTimeout <= 0 {
		c.Node.SendTimeout = 30 * time.Second
	}
	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = 30 * time.Second
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Sink.Design == "" {
		c.Sink.Design = "default"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// ControllerConfig maps the file onto controller.Config.
func (c *Config) ControllerConfig() (controller.Config, error) {
	cfg := controller.Config{
		ListenAddr:       c.Node.Listen,
		Threads:          c.Node.Threads,
		ReplyWorkers:     c.Node.ReplyWorkers,
		QueueSize:        c.Node.QueueSize,
		SendTimeout:      c.Node.SendTimeout,
		SendRate:         c.Node.SendRate,
		SendBurst:        c.Node.SendBurst,
		SharedDir:        c.Design.SharedDir,
		SnapshotPath:     c.Snapshot.Path,
		SnapshotInterval: c.Snapshot.Interval,
		Sink: controller.SinkConfig{
			Design:      c.Sink.Design,
			JournalPath: c.Sink.Journal,
			SQLDSN:      c.Sink.SQL.DSN,
		},
	}
	if c.Metrics.Enabled {
		cfg.MetricsPort = c.Metrics.Port
	}
	if d := c.Sink.SQL.Dialect; d != "" {
		dialect := sqlsink.Dialect(strings.ToLower(d))
		if _, err := dialect.DriverName(); err != nil {
			return controller.Config{}, err
		}
		cfg.Sink.SQLDialect = dialect
	}
	return cfg, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// setupLogger installs the default slog logger.
func setupLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.ToLower(cfg.Format) == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
