package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "ANPR"

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Camera    CameraConfig    `mapstructure:"camera"`
	Detection DetectionConfig `mapstructure:"detection"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Log       LogConfig       `mapstructure:"log"`
}

type NodeConfig struct {
	ID       string `mapstructure:"id"`
	Location string `mapstructure:"location"`
}

type CameraConfig struct {
	Source string `mapstructure:"source"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
	FPS    int    `mapstructure:"fps"`
	Model  string `mapstructure:"model"`
}

type DetectionConfig struct {
	ModelPath           string        `mapstructure:"model_path"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	InputSize           int           `mapstructure:"input_size"`
	CropPaddingPx       int           `mapstructure:"crop_padding_px"`
	LoopInterval        time.Duration `mapstructure:"loop_interval"`
	AutoResume          time.Duration `mapstructure:"auto_resume"`
}

type OCRConfig struct {
	ConfidenceThreshold  float64 `mapstructure:"confidence_threshold"`
	PreprocessedHeightPx int     `mapstructure:"preprocessed_height_px"`
	Language             string  `mapstructure:"language"`
	Whitelist            string  `mapstructure:"whitelist"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"sslmode"`
	Path         string `mapstructure:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

func (d DatabaseConfig) DSN() string {
	if d.Driver == DriverSQLite {
		return d.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type HTTPConfig struct {
	Addr             string        `mapstructure:"addr"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	OperatorUser     string        `mapstructure:"operator_user"`
	OperatorPassword string        `mapstructure:"operator_password"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      byte   `mapstructure:"qos"`
}

func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

type SnapshotsConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func setDefaults(v *viper.Viper) {
	// Keys without a default still need registering so ANPR_* env vars reach Unmarshal.
	for _, key := range []string{
		"node.id", "node.location", "camera.source",
		"database.user", "database.password", "database.name",
		"http.jwt_secret", "http.operator_password",
		"mqtt.broker", "mqtt.client_id", "log.file",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("camera.width", 1280)
	v.SetDefault("camera.height", 720)
	v.SetDefault("camera.fps", 30)
	v.SetDefault("camera.model", "generic")

	v.SetDefault("detection.model_path", "models/plate_detector.onnx")
	v.SetDefault("detection.confidence_threshold", 0.5)
	v.SetDefault("detection.input_size", 640)
	v.SetDefault("detection.crop_padding_px", 10)
	v.SetDefault("detection.loop_interval", "100ms")
	v.SetDefault("detection.auto_resume", "0s")

	v.SetDefault("ocr.confidence_threshold", 0.5)
	v.SetDefault("ocr.preprocessed_height_px", 100)
	v.SetDefault("ocr.language", "eng")
	v.SetDefault("ocr.whitelist", "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/anpr.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 4)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.operator_user", "operator")
	v.SetDefault("http.token_ttl", "12h")

	v.SetDefault("mqtt.topic", "anpr/detections")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("snapshots.dir", "snapshots")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads .env (when present), the YAML file at path and ANPR_* overrides,
// then validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every missing or out-of-range option at once.
func (c *Config) Validate() error {
	var errs []error
	required := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	positive := func(name string, value int) {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	unit := func(name string, value float64) {
		if value < 0 || value > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1]", name))
		}
	}

	required("node.id", c.Node.ID)
	required("camera.source", c.Camera.Source)
	positive("camera.width", c.Camera.Width)
	positive("camera.height", c.Camera.Height)
	positive("camera.fps", c.Camera.FPS)
	unit("detection.confidence_threshold", c.Detection.ConfidenceThreshold)
	unit("ocr.confidence_threshold", c.OCR.ConfidenceThreshold)
	positive("ocr.preprocessed_height_px", c.OCR.PreprocessedHeightPx)
	if c.Detection.CropPaddingPx < 0 {
		errs = append(errs, errors.New("detection.crop_padding_px must not be negative"))
	}
	if c.Detection.LoopInterval <= 0 {
		errs = append(errs, errors.New("detection.loop_interval must be positive"))
	}
	if c.Detection.AutoResume < 0 {
		errs = append(errs, errors.New("detection.auto_resume must not be negative"))
	}

	switch c.Database.Driver {
	case DriverSQLite:
		required("database.path", c.Database.Path)
	case DriverPostgres:
		required("database.host", c.Database.Host)
		required("database.user", c.Database.User)
		required("database.name", c.Database.Name)
		positive("database.port", c.Database.Port)
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	if c.HTTP.OperatorPassword != "" {
		required("http.jwt_secret", c.HTTP.JWTSecret)
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
