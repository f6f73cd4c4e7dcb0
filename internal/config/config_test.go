package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOptions() Options {
	opts := DefaultOptions()
	opts.Addr = "localhost:8080"
	opts.SigningKey = "c29tZV9zZWNyZXQ="
	opts.AllowedOrigins = []string{"http://localhost:3000"}
	return opts
}

func TestNewConfig(t *testing.T) {
	tcases := []struct {
		name   string
		modify func(o *Options)
		err    bool
	}{
		{
			name:   "valid config",
			modify: func(o *Options) {},
			err:    false,
		},
		{
			name:   "empty address",
			modify: func(o *Options) { o.Addr = "" },
			err:    true,
		},
		{
			name:   "empty DSN",
			modify: func(o *Options) { o.DSN = "" },
			err:    true,
		},
		{
			name:   "empty signing key",
			modify: func(o *Options) { o.SigningKey = "" },
			err:    true,
		},
		{
			name:   "redis presence without address",
			modify: func(o *Options) { o.Presence = PresenceRedis },
			err:    true,
		},
		{
			name: "redis presence with address",
			modify: func(o *Options) {
				o.Presence = PresenceRedis
				o.RedisAddr = "localhost:6379"
			},
			err: false,
		},
		{
			name:   "unknown storage",
			modify: func(o *Options) { o.Storage = "s3" },
			err:    true,
		},
		{
			name:   "bad join window",
			modify: func(o *Options) { o.JoinWindow = "soon" },
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			opts := validOptions()
			tc.modify(&opts)

			config, err := NewConfig(opts)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, opts.Addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, opts.DSN, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, opts.AllowedOrigins, config.AllowedOrigins, "expected allowed origins to match")
			assert.NotEmpty(t, config.SigningKey, "expected signing key to be decoded and not empty")
			assert.Equal(t, time.Minute, config.JoinWindow)
			assert.Equal(t, 24*time.Hour, config.SessionTTL)
		})
	}
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roomy.yaml")
	yml := "addr: \":9000\"\npresence: redis\nredis_addr: \"cache:6379\"\nallowed_origins:\n  - http://a.test\n  - http://b.test\njoin_attempts: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	opts := DefaultOptions()
	require.NoError(t, LoadFile(path, &opts))

	assert.Equal(t, ":9000", opts.Addr)
	assert.Equal(t, PresenceRedis, opts.Presence)
	assert.Equal(t, "cache:6379", opts.RedisAddr)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, opts.AllowedOrigins)
	assert.Equal(t, 3, opts.JoinAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, StorageMemory, opts.Storage)

	assert.Error(t, LoadFile(filepath.Join(dir, "missing.yaml"), &opts))
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("ROOMY_ADDR", ":7000")
	t.Setenv("ROOMY_ALLOWED_ORIGINS", "http://x.test,http://y.test")
	t.Setenv("ROOMY_JOIN_ATTEMPTS", "5")

	opts := DefaultOptions()
	LoadEnv(&opts)

	assert.Equal(t, ":7000", opts.Addr)
	assert.Equal(t, []string{"http://x.test", "http://y.test"}, opts.AllowedOrigins)
	assert.Equal(t, 5, opts.JoinAttempts)
}
