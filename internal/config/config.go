// Package config loads service and training settings from defaults, POULTRY_
// environment variables and explicit overrides.
package config

import (
	"time"
)

// EnvPrefix is the prefix of every environment variable the loader reads.
const EnvPrefix = "POULTRY_"

type Config struct {
	Server   ServerConfig   `koanf:"server"   validate:"required"`
	Model    ModelConfig    `koanf:"model"    validate:"required"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Auth     AuthConfig     `koanf:"auth"`
	Log      LogConfig      `koanf:"log"`
	Training TrainingConfig `koanf:"training" validate:"required"`
}

type ServerConfig struct {
	Addr               string        `koanf:"addr"                 validate:"required"`
	GRPCAddr           string        `koanf:"grpc_addr"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"     validate:"gt=0"`
	ReadHeaderTimeout  time.Duration `koanf:"read_header_timeout"  validate:"gte=0"`
	CORSAllowedOrigins []string      `koanf:"cors_allowed_origins"`
}

// ModelConfig locates the classifier artifact. With Require unset the server
// starts unloaded when the artifact is missing and reports it through /health.
type ModelConfig struct {
	Path        string `koanf:"path"         validate:"required"`
	Require     bool   `koanf:"require"`
	ONNXLibrary string `koanf:"onnx_library"`
	InputName   string `koanf:"input_name"`
	OutputName  string `koanf:"output_name"`
}

// DatabaseConfig enables the prediction log when DSN is set.
type DatabaseConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxIdleConns    int           `koanf:"max_idle_conns"    validate:"gte=0"`
	MaxOpenConns    int           `koanf:"max_open_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"gte=0"`
}

// RedisConfig enables the result cache when Addr is set.
type RedisConfig struct {
	Addr string        `koanf:"addr"`
	TTL  time.Duration `koanf:"ttl"  validate:"gte=0"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" validate:"omitempty,min=16"`
	Audience  string `koanf:"audience"`
}

type LogConfig struct {
	Level       string `koanf:"level"       validate:"omitempty,oneof=debug info warn error dpanic panic fatal"`
	Development bool   `koanf:"development"`
}

type TrainingConfig struct {
	LabelIndex         string  `koanf:"label_index"         validate:"required"`
	ImageDir           string  `koanf:"image_dir"           validate:"required"`
	ValidationFraction float64 `koanf:"validation_fraction" validate:"gte=0,lt=1"`
	Epochs             int     `koanf:"epochs"              validate:"gt=0"`
	BatchSize          int     `koanf:"batch_size"          validate:"gt=0"`
	Seed               int64   `koanf:"seed"`
	LearningRate       float64 `koanf:"learning_rate"       validate:"gt=0"`
	Hidden             []int   `koanf:"hidden"              validate:"min=1,dive,gt=0"`
	Output             string  `koanf:"output"              validate:"required"`
	History            string  `koanf:"history"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":8080",
			GRPCAddr:           ":50051",
			ShutdownTimeout:    15 * time.Second,
			ReadHeaderTimeout:  10 * time.Second,
			CORSAllowedOrigins: []string{"*"},
		},
		Model: ModelConfig{
			Path:       "models/poultry_classifier.gob",
			InputName:  "input",
			OutputName: "output",
		},
		Database: DatabaseConfig{
			MaxIdleConns:    5,
			MaxOpenConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			TTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
		Training: TrainingConfig{
			LabelIndex:         "data/train_data.csv",
			ImageDir:           "data/Train",
			ValidationFraction: 0.2,
			Epochs:             10,
			BatchSize:          32,
			Seed:               42,
			LearningRate:       0.001,
			Hidden:             []int{128, 64},
			Output:             "models/poultry_classifier.gob",
		},
	}
}
