// vpnwarden grants and revokes VPN access on a RouterOS-family device
// based on a two-factor confirmation of an actual connection: the
// device must report the identity live, and the grantee may have to
// confirm the session before it counts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/vpnwarden/vpnwarden/internal/api"
	"github.com/vpnwarden/vpnwarden/internal/config"
	"github.com/vpnwarden/vpnwarden/internal/notify"
	"github.com/vpnwarden/vpnwarden/internal/routeros"
	"github.com/vpnwarden/vpnwarden/internal/schedule"
	"github.com/vpnwarden/vpnwarden/internal/session"
	"github.com/vpnwarden/vpnwarden/internal/store"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "vpnwarden.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vpnwarden v%s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel(cfg.LogLevel),
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(log)
	log.Info("starting", "version", version, "transport", cfg.Device.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime := config.NewRuntime(configPath, cfg, log.With("component", "config"))
	if err := runtime.Watch(ctx); err != nil {
		log.Warn("config watch unavailable", "error", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	adapter, err := buildAdapter(cfg.Device, log.With("component", "device"))
	if err != nil {
		return err
	}
	defer adapter.Close()

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Token, cfg.Notify.Timeout.D())
	} else {
		notifier = notify.Logger(log.With("component", "notify"))
	}

	params := paramsProvider(runtime, st, log)
	svc := session.NewService(st, adapter, notifier, params, log.With("component", "session"))

	sched := schedule.New(log.With("component", "schedule"))
	sched.Add(schedule.Job{
		Name:  "connection-check",
		Every: func() time.Duration { return params().PollInterval },
		Run:   svc.CheckConnections,
	})
	sched.Add(schedule.Job{
		Name:  "expiry-check",
		Every: func() time.Duration { return runtime.Current().Sessions.ExpiryInterval.D() },
		Run:   svc.CheckExpiry,
	})
	sched.AddDaily(schedule.DailyJob{
		Name: "retention-sweep",
		Hour: cfg.Sessions.SweepHour,
		Run:  svc.Sweep,
	})
	sched.Start(ctx)
	defer sched.Stop()

	server := api.NewServer(api.ServerConfig{
		Addr:    cfg.API.Listen,
		Token:   cfg.API.Token,
		Version: version,
	}, svc, st, log.With("component", "api"))

	errc := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildAdapter(d config.DeviceConfig, log *slog.Logger) (*routeros.Adapter, error) {
	switch d.Transport {
	case "ssh":
		var key []byte
		if d.PrivateKeyFile != "" {
			data, err := os.ReadFile(d.PrivateKeyFile)
			if err != nil {
				return nil, fmt.Errorf("read private key: %w", err)
			}
			key = data
		}
		t, err := routeros.NewSSHTransport(routeros.SSHConfig{
			Host:       d.Host,
			Port:       d.Port,
			Username:   d.Username,
			Password:   d.Password,
			PrivateKey: key,
			Timeout:    d.Timeout.D(),
		})
		if err != nil {
			return nil, err
		}
		return routeros.NewAdapter(t, log), nil
	case "rest":
		host := d.Host
		if d.Port != 0 {
			host = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		}
		t, err := routeros.NewRESTTransport(routeros.RESTConfig{
			Host:               host,
			Username:           d.Username,
			Password:           d.Password,
			UseTLS:             d.UseTLS,
			InsecureSkipVerify: d.InsecureTLS,
			Timeout:            d.Timeout.D(),
		})
		if err != nil {
			return nil, err
		}
		return routeros.NewAdapter(t, log), nil
	case "api":
		t, err := routeros.NewBinaryTransport(routeros.BinaryConfig{
			Host:     d.Host,
			Port:     d.Port,
			Username: d.Username,
			Password: d.Password,
			Timeout:  d.Timeout.D(),
		})
		if err != nil {
			return nil, err
		}
		return routeros.NewAdapter(t, log), nil
	}
	return nil, fmt.Errorf("unknown transport %q", d.Transport)
}

// paramsProvider merges the config snapshot with store settings; the
// store wins where set. Jobs call this at iteration start, so both
// config edits and settings updates apply without restart.
func paramsProvider(rt *config.Runtime, st *store.Store, log *slog.Logger) func() session.Params {
	return func() session.Params {
		s := rt.Current().Sessions
		p := session.Params{
			PollInterval:        s.PollInterval.D(),
			RequireConfirmation: s.RequireConfirmation,
			ConfirmTimeout:      s.ConfirmTimeout.D(),
			DefaultDuration:     time.Duration(s.DefaultDurationHrs) * time.Hour,
			ReminderLead:        s.ReminderLead.D(),
			Retention:           time.Duration(s.RetentionDays) * 24 * time.Hour,
		}
		settings, err := st.AllSettings()
		if err != nil {
			log.Warn("settings unavailable, using config values", "error", err)
			return p
		}
		if v, ok := intSetting(settings, store.SettingSessionDurationHours); ok {
			p.DefaultDuration = time.Duration(v) * time.Hour
		}
		if v, ok := intSetting(settings, store.SettingConfirmTimeoutSecs); ok {
			p.ConfirmTimeout = time.Duration(v) * time.Second
		}
		if v, ok := intSetting(settings, store.SettingReminderLeadMinutes); ok {
			p.ReminderLead = time.Duration(v) * time.Minute
		}
		if v, ok := intSetting(settings, store.SettingRetentionDays); ok {
			p.Retention = time.Duration(v) * 24 * time.Hour
		}
		if raw, ok := settings[store.SettingRequireConfirmation]; ok {
			if b, err := strconv.ParseBool(raw); err == nil {
				p.RequireConfirmation = b
			}
		}
		return p
	}
}

func intSetting(s store.Settings, key string) (int, bool) {
	raw, ok := s[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
