package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"DB_DRIVER", "DB_URI", "REDIS_URI", "REDIS_PW", "AMQP_URI", "JWT_SIGNING_KEY",
	"MANIFEST_DIRECTORY", "PROVISIONER_BINARY", "PROVISIONER_TIMEOUT", "SWEEP_INTERVAL",
	"LISTEN_ADDR", "CORS_ORIGINS", "SENTRY_DSN",
}

// clearEnv unsets every key for the duration of the test
func clearEnv(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_URI", "postgres://localhost/ctf")
	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef0123")
	t.Setenv("MANIFEST_DIRECTORY", "/srv/manifests")

	cfg, err := Load(EnvDevelopment, "")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "terraform", cfg.ProvisionerBinary)
	assert.Equal(t, 10*time.Minute, cfg.ProvisionerTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, ":42069", cfg.ListenAddr)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.RedisURI)
	assert.Equal(t, EnvDevelopment, cfg.Environment)
}

func TestLoadDotFile(t *testing.T) {
	clearEnv(t)
	dotFile := filepath.Join(t.TempDir(), ".env.development")
	require.NoError(t, os.WriteFile(dotFile, []byte(`DB_DRIVER=sqlite
DB_URI=/var/lib/ctf.db
JWT_SIGNING_KEY=0123456789abcdef0123
MANIFEST_DIRECTORY=/srv/manifests
PROVISIONER_BINARY=tofu
PROVISIONER_TIMEOUT=90s
SWEEP_INTERVAL=5m
CORS_ORIGINS=https://ctf.example.com,https://admin.ctf.example.com
`), 0o600))
	// environment wins over the file
	t.Setenv("LISTEN_ADDR", "127.0.0.1:8080")
	t.Setenv("PROVISIONER_BINARY", "terraform")

	cfg, err := Load(EnvDevelopment, dotFile)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "/var/lib/ctf.db", cfg.DBURI)
	assert.Equal(t, "terraform", cfg.ProvisionerBinary)
	assert.Equal(t, 90*time.Second, cfg.ProvisionerTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, []string{"https://ctf.example.com", "https://admin.ctf.example.com"}, cfg.CORSOrigins)
}

func TestLoadMissingDotFileIsIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_URI", "postgres://localhost/ctf")
	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef0123")
	t.Setenv("MANIFEST_DIRECTORY", "/srv/manifests")

	_, err := Load(EnvProduction, filepath.Join(t.TempDir(), ".env.production"))
	assert.NoError(t, err)
}

func TestLoadValidation(t *testing.T) {
	tests := map[string]map[string]string{
		"missing database": {
			"JWT_SIGNING_KEY":    "0123456789abcdef0123",
			"MANIFEST_DIRECTORY": "/srv/manifests",
		},
		"short signing key": {
			"DB_URI":             "postgres://localhost/ctf",
			"JWT_SIGNING_KEY":    "short",
			"MANIFEST_DIRECTORY": "/srv/manifests",
		},
		"unknown driver": {
			"DB_DRIVER":          "mysql",
			"DB_URI":             "root@/ctf",
			"JWT_SIGNING_KEY":    "0123456789abcdef0123",
			"MANIFEST_DIRECTORY": "/srv/manifests",
		},
		"missing manifests": {
			"DB_URI":          "postgres://localhost/ctf",
			"JWT_SIGNING_KEY": "0123456789abcdef0123",
		},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load(EnvDevelopment, "")
			assert.Error(t, err)
		})
	}
}

func TestEnvironment(t *testing.T) {
	t.Setenv("ENV", "production")
	assert.Equal(t, EnvProduction, CurrentEnvironment())
	assert.Equal(t, ".env.production", DotFile(EnvProduction))

	t.Setenv("ENV", "")
	assert.Equal(t, EnvDevelopment, CurrentEnvironment())
	assert.Equal(t, ".env.development", DotFile(EnvDevelopment))
}
