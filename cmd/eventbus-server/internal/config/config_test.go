package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/eventbus/stream"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "eventbus_", cfg.Database.Prefix)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, time.Minute, cfg.Bus.SweepInterval)
	assert.Equal(t, int64(1), cfg.Bus.NodeID)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("DB_DRIVER=sqlite3\nDB_NAME=/tmp/bus.db\nEVENTBUS_DLQ_SWEEP_INTERVAL=15s\n"), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"DB_DRIVER", "DB_NAME", "EVENTBUS_DLQ_SWEEP_INTERVAL"} {
			_ = os.Unsetenv(k)
		}
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "/tmp/bus.db", cfg.Database.GetDSN())
	assert.Equal(t, 15*time.Second, cfg.Bus.SweepInterval)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
			Database: DatabaseConfig{Driver: "postgres", Database: "eventbus", Password: "x"},
			NATS:     NATSConfig{URL: "nats://localhost:4222"},
			Bus: BusConfig{
				ServiceName: "svc", NodeID: 1, ConnectAttempts: 1,
				SweepInterval: time.Minute, SweepBatchSize: 10,
				PurgeInterval: time.Hour, PurgeBatchSize: 10, LogLevel: "info",
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, true},
		{"missing password", func(c *Config) { c.Database.Password = "" }, true},
		{"sqlite needs no password", func(c *Config) { c.Database.Driver = "sqlite3"; c.Database.Password = "" }, false},
		{"node id out of range", func(c *Config) { c.Bus.NodeID = 2048 }, true},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, true},
		{"bad log level", func(c *Config) { c.Bus.LogLevel = "trace" }, true},
		{"zero sweep interval", func(c *Config) { c.Bus.SweepInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{"mysql", "u:p@tcp(db:3306)/bus?parseTime=true"},
		{"postgres", "host=db port=3306 user=u password=p dbname=bus sslmode=disable"},
		{"sqlite3", "bus"},
		{"oracle", ""},
	}
	for _, tt := range tests {
		c := DatabaseConfig{Driver: tt.driver, Host: "db", Port: 3306, User: "u", Password: "p", Database: "bus"}
		assert.Equal(t, tt.want, c.GetDSN(), tt.driver)
	}
}

func TestLoadStreams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streams.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
streams:
  - name: MESSAGE
    prefixes: [message, reaction]
    maxAge: 168h
  - name: CUSTOM
    prefixes: [custom]
    maxAge: 720h
  - name: PRESENCE
    prefixes: [presence]
    maxAge: 1h
    memoryOnly: true
`), 0o600))

	defs, fallback, err := LoadStreams(path)
	require.NoError(t, err)
	assert.Equal(t, stream.Custom, fallback)
	require.Len(t, defs, 3)
	assert.Equal(t, []string{"message", "reaction"}, defs[0].Prefixes)
	assert.Equal(t, 7*24*time.Hour, defs[0].MaxAge)
	assert.True(t, defs[2].MemoryOnly)

	_, err = stream.NewRouter(defs, fallback)
	assert.NoError(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("fallback: CUSTOM\n"), 0o600))
	_, _, err = LoadStreams(empty)
	assert.Error(t, err)

	_, _, err = LoadStreams(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
