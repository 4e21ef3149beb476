package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vpnwarden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
device:
  host: 192.0.2.1
  username: admin
  password: secret
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "ssh", cfg.Device.Transport)
	require.Equal(t, 10*time.Second, cfg.Device.Timeout.D())
	require.Equal(t, "vpnwarden.db", cfg.Store.Path)
	require.Equal(t, ":8080", cfg.API.Listen)
	require.Equal(t, "info", cfg.LogLevel)

	s := cfg.Sessions
	require.Equal(t, time.Minute, s.PollInterval.D())
	require.Equal(t, 15*time.Minute, s.ExpiryInterval.D())
	require.Equal(t, 300*time.Second, s.ConfirmTimeout.D())
	require.Equal(t, 24, s.DefaultDurationHrs)
	require.Equal(t, time.Hour, s.ReminderLead.D())
	require.Equal(t, 30, s.RetentionDays)
	require.Equal(t, 3, s.SweepHour)
	require.False(t, s.RequireConfirmation)
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
device:
  transport: rest
  host: router.example.net
  port: 8443
  username: warden
  password: hunter2
  use_tls: true
  insecure_tls: true
  timeout: 30s
store:
  path: /var/lib/vpnwarden/grants.db
api:
  listen: 127.0.0.1:9090
  token: t0ken
notify:
  webhook_url: https://chat.example.net/hook
  token: hook-token
  timeout: 5s
sessions:
  poll_interval: 30s
  expiry_interval: 5m
  require_confirmation: true
  confirm_timeout: 2m
  default_duration_hours: 8
  reminder_lead: 30m
  retention_days: 7
  sweep_hour: 4
log_level: debug
`))
	require.NoError(t, err)

	require.Equal(t, "rest", cfg.Device.Transport)
	require.Equal(t, 8443, cfg.Device.Port)
	require.True(t, cfg.Device.UseTLS)
	require.Equal(t, 30*time.Second, cfg.Device.Timeout.D())
	require.Equal(t, "/var/lib/vpnwarden/grants.db", cfg.Store.Path)
	require.Equal(t, "127.0.0.1:9090", cfg.API.Listen)
	require.Equal(t, "https://chat.example.net/hook", cfg.Notify.WebhookURL)
	require.Equal(t, 30*time.Second, cfg.Sessions.PollInterval.D())
	require.Equal(t, 2*time.Minute, cfg.Sessions.ConfirmTimeout.D())
	require.True(t, cfg.Sessions.RequireConfirmation)
	require.Equal(t, 8, cfg.Sessions.DefaultDurationHrs)
	require.Equal(t, 4, cfg.Sessions.SweepHour)
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("VPNWARDEN_TEST_PASSWORD", "from-env")
	cfg, err := Load(writeConfig(t, `
device:
  host: 192.0.2.1
  username: admin
  password: ${VPNWARDEN_TEST_PASSWORD}
api:
  token: ${VPNWARDEN_TEST_UNSET_TOKEN}
`))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Device.Password)
	// Unset variables are left verbatim rather than blanked.
	require.Equal(t, "${VPNWARDEN_TEST_UNSET_TOKEN}", cfg.API.Token)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "bad transport",
			content: `
device:
  transport: telnet
  host: 192.0.2.1
  username: admin
  password: x
`,
			wantErr: "device.transport",
		},
		{
			name: "missing host",
			content: `
device:
  username: admin
  password: x
`,
			wantErr: "device.host",
		},
		{
			name: "missing username",
			content: `
device:
  host: 192.0.2.1
  password: x
`,
			wantErr: "device.username",
		},
		{
			name: "missing credentials",
			content: `
device:
  host: 192.0.2.1
  username: admin
`,
			wantErr: "credentials",
		},
		{
			name: "bad duration",
			content: `
device:
  host: 192.0.2.1
  username: admin
  password: x
  timeout: soon
`,
			wantErr: "duration",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestKeyAuthPassesValidation(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
device:
  host: 192.0.2.1
  username: admin
  private_key_file: /etc/vpnwarden/id_rsa
`))
	require.NoError(t, err)
	require.Empty(t, cfg.Device.Password)
	require.Equal(t, "/etc/vpnwarden/id_rsa", cfg.Device.PrivateKeyFile)
}

func TestRuntimeReloadSwapsSnapshot(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	rt := NewRuntime(path, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte(minimalConfig+"log_level: debug\n"), 0o600))

	require.Eventually(t, func() bool {
		return rt.Current().LogLevel == "debug"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRuntimeKeepsSnapshotOnBadReload(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	rt := NewRuntime(path, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("device: {transport: telnet}\n"), 0o600))

	// The invalid file must not displace the last good snapshot.
	time.Sleep(500 * time.Millisecond)
	require.Equal(t, "192.0.2.1", rt.Current().Device.Host)
	require.Equal(t, "ssh", rt.Current().Device.Transport)
}
