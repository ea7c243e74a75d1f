package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// TenantID scopes the agent's gallery and subjects. Single-tenant
	// deployments leave it at the default.
	TenantID  int64           `yaml:"tenant_id"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Vision    VisionConfig    `yaml:"vision"`
	Capture   CaptureConfig   `yaml:"capture"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Cameras   CameraConfig    `yaml:"cameras"`
	Enrolling EnrollingConfig `yaml:"enrolling"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	// DetectScale downsizes frames before detection to bound inference cost.
	DetectScale float64 `yaml:"detect_scale"`
}

type CaptureConfig struct {
	FrameWidth  int `yaml:"frame_width"`
	FrameHeight int `yaml:"frame_height"`
	FPS         int `yaml:"fps"`
	// FrameInterval caps the publish rate of the capture loop.
	FrameInterval time.Duration `yaml:"frame_interval"`
	// DetectInterval is the detection worker cadence.
	DetectInterval time.Duration `yaml:"detect_interval"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
	// MaxReadFailures is how many consecutive failed reads trigger a reconnect.
	MaxReadFailures int `yaml:"max_read_failures"`
	JPEGQuality     int `yaml:"jpeg_quality"`
}

type SessionConfig struct {
	// GapWindow is the maximum gap between detections merged into one session.
	GapWindow time.Duration `yaml:"gap_window"`
	// Lookback bounds how far back an open session is searched for.
	Lookback time.Duration `yaml:"lookback"`
	// ReapInterval is how often trailing-inactivity closure runs.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type CameraConfig struct {
	ReapInterval      time.Duration `yaml:"reap_interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

type EnrollingConfig struct {
	StabilizeFrames int           `yaml:"stabilize_frames"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.TenantID == 0 {
		cfg.TenantID = 1
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.DetectScale == 0 {
		cfg.Vision.DetectScale = 0.5
	}
	if cfg.Capture.FrameWidth == 0 {
		cfg.Capture.FrameWidth = 640
	}
	if cfg.Capture.FrameHeight == 0 {
		cfg.Capture.FrameHeight = 480
	}
	if cfg.Capture.FPS == 0 {
		cfg.Capture.FPS = 25
	}
	if cfg.Capture.FrameInterval == 0 {
		cfg.Capture.FrameInterval = 25 * time.Millisecond
	}
	if cfg.Capture.DetectInterval == 0 {
		cfg.Capture.DetectInterval = 150 * time.Millisecond
	}
	if cfg.Capture.ReadTimeout == 0 {
		cfg.Capture.ReadTimeout = 5 * time.Second
	}
	if cfg.Capture.OpenTimeout == 0 {
		cfg.Capture.OpenTimeout = 10 * time.Second
	}
	if cfg.Capture.MaxReadFailures == 0 {
		cfg.Capture.MaxReadFailures = 3
	}
	if cfg.Capture.JPEGQuality == 0 {
		cfg.Capture.JPEGQuality = 80
	}
	if cfg.Sessions.GapWindow == 0 {
		cfg.Sessions.GapWindow = 2 * time.Minute
	}
	if cfg.Sessions.Lookback == 0 {
		cfg.Sessions.Lookback = 5 * time.Minute
	}
	if cfg.Sessions.ReapInterval == 0 {
		cfg.Sessions.ReapInterval = time.Minute
	}
	if cfg.Cameras.ReapInterval == 0 {
		cfg.Cameras.ReapInterval = 2 * time.Minute
	}
	if cfg.Cameras.InactivityTimeout == 0 {
		cfg.Cameras.InactivityTimeout = time.Minute
	}
	if cfg.Enrolling.StabilizeFrames == 0 {
		cfg.Enrolling.StabilizeFrames = 10
	}
	if cfg.Enrolling.CacheTTL == 0 {
		cfg.Enrolling.CacheTTL = 10 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FW_TENANT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TenantID = id
		}
	}
	if v := os.Getenv("FW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FW_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("FW_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FW_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("FW_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("FW_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("FW_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("FW_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FW_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("FW_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("FW_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("FW_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("FW_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
}
