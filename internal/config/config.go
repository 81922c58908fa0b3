package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file read by Load.
const MaxConfigFileBytes = 1 << 20

// SerialConfig describes the link to the positioner controller.
type SerialConfig struct {
	Device             string `yaml:"device"`                // e.g., "/dev/ttyACM0"
	BaudRate           int    `yaml:"baud_rate"`             // 9600
	RetryIntervalMs    int    `yaml:"retry_interval_ms"`     // reopen delay after a failure
	MaxRetryIntervalMs int    `yaml:"max_retry_interval_ms"` // backoff ceiling; defaults to retry_interval_ms (fixed cadence)
	AckTimeoutMs       int    `yaml:"ack_timeout_ms"`        // Request() wait for the next status
}

// SourceConfig is the external video capture process.
// An empty Command disables process supervision.
type SourceConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"` // KEY=VALUE entries appended to the environment
}

// VideoConfig describes the MJPEG source and the viewer thumbnails.
type VideoConfig struct {
	Source           SourceConfig `yaml:"source"`
	Address          string       `yaml:"address"` // host:port of the MJPEG TCP server
	RetryIntervalMs  int          `yaml:"retry_interval_ms"`
	MaxFrameBytes    int          `yaml:"max_frame_bytes"` // demux buffer cap, 0 = unbounded
	ThumbnailWidth   int          `yaml:"thumbnail_width"`
	ThumbnailHeight  int          `yaml:"thumbnail_height"`
	ThumbnailWorkers int          `yaml:"thumbnail_workers"`
	ThumbnailQuality int          `yaml:"thumbnail_quality"` // JPEG quality 1-100
}

// CaptureConfig controls sweep recording.
type CaptureConfig struct {
	FrameIntervalMs int `yaml:"frame_interval_ms"` // minimum spacing between accepted frames
}

// StitchConfig describes the external mosaic tool.
type StitchConfig struct {
	Binary     string `yaml:"binary"`
	WorkDir    string `yaml:"work_dir"`
	OutputFile string `yaml:"output_file"` // artifact written by the stitcher
	FramesDir  string `yaml:"frames_dir"`  // parent of per-sweep frame directories, "" = os temp dir
	PublishDir string `yaml:"publish_dir"` // mosaics are copied here under a fresh id
}

// SessionsConfig controls remote session liveness.
type SessionsConfig struct {
	LivenessMs      int `yaml:"liveness_ms"`
	SweepIntervalMs int `yaml:"sweep_interval_ms"`
}

// StatusConfig controls the status hub.
type StatusConfig struct {
	HistoryLimit int `yaml:"history_limit"` // 0 = unbounded
}

// WebConfig is the HTTP/websocket surface.
type WebConfig struct {
	Addr string `yaml:"addr"` // "" disables the server
}

// LedgerConfig is the sqlite sweep history.
type LedgerConfig struct {
	Path string `yaml:"path"` // "" disables the ledger
}

// MQTTConfig mirrors statuses to a broker.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g., "tcp://localhost:1883", "" disables the mirror
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// IndicatorConfig drives a lamp while a sweep is recording.
type IndicatorConfig struct {
	Pin       int  `yaml:"pin"`        // BCM pin, 0 = not used
	ActiveLow bool `yaml:"active_low"` // lamp lights when the pin is LOW
}

// PositionerConfig describes the mechanical range of the positioner.
type PositionerConfig struct {
	SweepAngleDeg float64 `yaml:"sweep_angle_deg"` // angle covered by maxPositionInEncoderSteps
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	LogJSON    bool `yaml:"log_json"`    // JSON log lines instead of text
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Serial     SerialConfig     `yaml:"serial"`
	Video      VideoConfig      `yaml:"video"`
	Capture    CaptureConfig    `yaml:"capture"`
	Stitch     StitchConfig     `yaml:"stitch"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Status     StatusConfig     `yaml:"status"`
	Web        WebConfig        `yaml:"web"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Indicator  IndicatorConfig  `yaml:"indicator"`
	Positioner PositionerConfig `yaml:"positioner"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
}

// ValidateConfigPath accepts only *.yaml files whose parent directory
// is named "configs".
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q: extension must be .yaml", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("config path %q: %w", path, err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q: must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Serial.Device == "" {
		c.Serial.Device = "/dev/ttyACM0"
	}
	if c.Serial.BaudRate <= 0 {
		c.Serial.BaudRate = 9600
	}
	if c.Serial.RetryIntervalMs <= 0 {
		c.Serial.RetryIntervalMs = 1000
	}
	if c.Serial.MaxRetryIntervalMs <= 0 {
		c.Serial.MaxRetryIntervalMs = c.Serial.RetryIntervalMs
	}
	if c.Serial.AckTimeoutMs <= 0 {
		c.Serial.AckTimeoutMs = 2000
	}

	if c.Video.Address == "" {
		c.Video.Address = "127.0.0.1:5000"
	}
	if c.Video.RetryIntervalMs <= 0 {
		c.Video.RetryIntervalMs = 2000
	}
	if c.Video.MaxFrameBytes == 0 {
		c.Video.MaxFrameBytes = 16 << 20
	}
	if c.Video.ThumbnailWidth <= 0 {
		c.Video.ThumbnailWidth = 385
	}
	if c.Video.ThumbnailHeight <= 0 {
		c.Video.ThumbnailHeight = 250
	}
	if c.Video.ThumbnailWorkers <= 0 {
		c.Video.ThumbnailWorkers = 2
	}
	if c.Video.ThumbnailQuality <= 0 {
		c.Video.ThumbnailQuality = 75
	}

	if c.Capture.FrameIntervalMs <= 0 {
		c.Capture.FrameIntervalMs = 5000
	}

	if c.Stitch.OutputFile == "" && c.Stitch.WorkDir != "" {
		c.Stitch.OutputFile = filepath.Join(c.Stitch.WorkDir, "out.jpg")
	}
	if c.Stitch.PublishDir == "" {
		c.Stitch.PublishDir = "data"
	}

	if c.Sessions.LivenessMs <= 0 {
		c.Sessions.LivenessMs = 60000
	}
	if c.Sessions.SweepIntervalMs <= 0 {
		c.Sessions.SweepIntervalMs = 30000
	}

	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "rangepano/status"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "rangepano"
	}

	if c.Positioner.SweepAngleDeg <= 0 {
		c.Positioner.SweepAngleDeg = 360
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	if c.Stitch.Binary == "" {
		return errors.New("stitch.binary is required")
	}
	if c.Stitch.OutputFile == "" {
		return errors.New("stitch.output_file is required (or set stitch.work_dir)")
	}
	if c.Serial.MaxRetryIntervalMs < c.Serial.RetryIntervalMs {
		return fmt.Errorf("serial.max_retry_interval_ms (%d) must be >= retry_interval_ms (%d)",
			c.Serial.MaxRetryIntervalMs, c.Serial.RetryIntervalMs)
	}
	if c.Video.MaxFrameBytes < 0 {
		return fmt.Errorf("video.max_frame_bytes must be >= 0, got %d", c.Video.MaxFrameBytes)
	}
	if c.Video.ThumbnailQuality > 100 {
		return fmt.Errorf("video.thumbnail_quality must be between 1 and 100, got %d", c.Video.ThumbnailQuality)
	}
	if c.Sessions.SweepIntervalMs > c.Sessions.LivenessMs {
		return fmt.Errorf("sessions.sweep_interval_ms (%d) must be <= liveness_ms (%d)",
			c.Sessions.SweepIntervalMs, c.Sessions.LivenessMs)
	}
	if c.Positioner.SweepAngleDeg > 360 {
		return fmt.Errorf("positioner.sweep_angle_deg must be <= 360, got %.2f", c.Positioner.SweepAngleDeg)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// SerialRetryInterval returns the delay before reopening the serial port.
func (c *Config) SerialRetryInterval() time.Duration {
	return ms(c.Serial.RetryIntervalMs)
}

// SerialMaxRetryInterval returns the reopen backoff ceiling.
func (c *Config) SerialMaxRetryInterval() time.Duration {
	return ms(c.Serial.MaxRetryIntervalMs)
}

// AckTimeout returns how long Request waits for a status.
func (c *Config) AckTimeout() time.Duration {
	return ms(c.Serial.AckTimeoutMs)
}

// VideoRetryInterval returns the delay between video connection attempts.
func (c *Config) VideoRetryInterval() time.Duration {
	return ms(c.Video.RetryIntervalMs)
}

// FrameInterval returns the capture throttle.
func (c *Config) FrameInterval() time.Duration {
	return ms(c.Capture.FrameIntervalMs)
}

// SessionLiveness returns how long a session survives without a heartbeat.
func (c *Config) SessionLiveness() time.Duration {
	return ms(c.Sessions.LivenessMs)
}

// SessionSweepInterval returns the liveness check cadence.
func (c *Config) SessionSweepInterval() time.Duration {
	return ms(c.Sessions.SweepIntervalMs)
}
