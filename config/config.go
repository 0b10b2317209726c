package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/miragespace/ctfinstancer/db"
	"github.com/miragespace/ctfinstancer/spec"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	extErrors "github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Environment is the type for defining the running environment
type Environment string

// define constants
const (
	EnvDevelopment Environment = "Dev"
	EnvProduction  Environment = "Prod"
)

// Config is the process configuration, read from the environment
type Config struct {
	Environment Environment `mapstructure:"-"`

	DBDriver           string        `mapstructure:"DB_DRIVER" validate:"oneof=postgres sqlite"`
	DBURI              string        `mapstructure:"DB_URI" validate:"required"`
	RedisURI           string        `mapstructure:"REDIS_URI"` // in-process locking when empty
	RedisPassword      string        `mapstructure:"REDIS_PW"`
	AMQPURI            string        `mapstructure:"AMQP_URI"` // events are only logged when empty
	JWTSigningKey      string        `mapstructure:"JWT_SIGNING_KEY" validate:"required,min=16"`
	ManifestDirectory  string        `mapstructure:"MANIFEST_DIRECTORY" validate:"required"`
	ProvisionerBinary  string        `mapstructure:"PROVISIONER_BINARY" validate:"required"`
	ProvisionerTimeout time.Duration `mapstructure:"PROVISIONER_TIMEOUT" validate:"gt=0"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL" validate:"gt=0"`
	ListenAddr         string        `mapstructure:"LISTEN_ADDR" validate:"required"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS" validate:"min=1"` // comma separated
	SentryDSN          string        `mapstructure:"SENTRY_DSN"`
}

var defaults = map[string]interface{}{
	"DB_DRIVER":           db.DriverPostgres,
	"DB_URI":              "",
	"REDIS_URI":           "",
	"REDIS_PW":            "",
	"AMQP_URI":            "",
	"JWT_SIGNING_KEY":     "",
	"MANIFEST_DIRECTORY":  "",
	"PROVISIONER_BINARY":  "terraform",
	"PROVISIONER_TIMEOUT": spec.DefaultProvisionTimeout,
	"SWEEP_INTERVAL":      spec.DefaultSweepInterval,
	"LISTEN_ADDR":         ":42069",
	"CORS_ORIGINS":        []string{"*"},
	"SENTRY_DSN":          "",
}

// CurrentEnvironment determines the running environment from ENV
func CurrentEnvironment() Environment {
	if os.Getenv("ENV") == "production" {
		return EnvProduction
	}
	return EnvDevelopment
}

// DotFile returns the dotenv file holding the configuration of the environment
func DotFile(env Environment) string {
	if env == EnvProduction {
		return ".env.production"
	}
	return ".env.development"
}

// Load reads dotFile into the environment, if it exists, and returns the validated Config.
// Variables already present in the environment take precedence over the file
func Load(env Environment, dotFile string) (*Config, error) {
	if len(dotFile) > 0 {
		if _, err := os.Stat(dotFile); err == nil {
			if err := godotenv.Load(dotFile); err != nil {
				return nil, extErrors.Wrap(err, "Cannot load configurations from .env")
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, extErrors.Wrap(err, "Cannot stat .env")
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, extErrors.Wrap(err, "Cannot bind environment variable")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode configurations")
	}
	cfg.Environment = env

	if err := validator.New().Struct(cfg); err != nil {
		return nil, extErrors.Wrap(err, "Invalid configurations")
	}
	return cfg, nil
}
