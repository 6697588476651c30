package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"courier"
	"courier/adapter"
	"courier/config"
	"courier/outbound"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel).With().
		Str("service", "courierd").
		Str("account_id", cfg.AccountID).
		Str("owner_id", cfg.OwnerID).
		Logger()

	registry, err := config.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RegistryPath).Msg("load_registry_failed")
	}
	account, ok := registry.AccountFor(cfg.AccountID)
	if !ok {
		log.Fatal().Str("account_id", cfg.AccountID).Msg("account_not_registered")
	}
	if !account.Enabled {
		log.Fatal().Str("account_id", cfg.AccountID).Msg("account_disabled")
	}
	channel, err := courier.ParseChannel(cfg.Channel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid_channel")
	}
	if account.Channel != channel.String() {
		log.Fatal().Str("registry_channel", account.Channel).Str("worker_channel", channel.String()).Msg("channel_mismatch")
	}

	db, err := sql.Open("sqlserver", buildSQLServerDSN(cfg.SQL))
	if err != nil {
		log.Fatal().Err(err).Msg("open_sql_failed")
	}
	defer func() {
		_ = db.Close()
	}()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatal().Err(err).Msg("ping_sql_failed")
	}
	cancelPing()

	store, err := outbound.NewSQLStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("construct_store_failed")
	}

	sender, err := buildSender(channel, account, log)
	if err != nil {
		log.Fatal().Err(err).Msg("construct_sender_failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.UpsertAccount(ctx, account.AccountID, account.DisplayAddress, account.Enabled); err != nil {
		log.Fatal().Err(err).Msg("upsert_account_failed")
	}

	session := outbound.NewSession(cfg.AccountID, cfg.OwnerID)
	metrics := outbound.NewMetrics()
	engineCfg := cfg.Outbound()
	runner := outbound.NewRunner(store, sender, session, channel, engineCfg, outbound.Clock{}, metrics, log)
	monitor := outbound.NewMonitor(store, session, engineCfg, metrics, log)

	// Initial acquisition blocks under contention; transport errors get
	// the same backoff-and-retry treatment as the loop's recovery path.
	for {
		err := runner.Acquire(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			releaseLease(store, session, log)
			return
		}
		log.Error().Err(err).Msg("lease_acquire_failed")
		select {
		case <-ctx.Done():
			releaseLease(store, session, log)
			return
		case <-time.After(engineCfg.ErrorBackoff):
		}
	}

	go monitor.Run(ctx)
	go runner.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: newMux(session, metrics),
	}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics_listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics_server_failed")
		}
	}()

	log.Info().Str("channel", channel.String()).Msg("courierd_started")
	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	cancelShutdown()

	releaseLease(store, session, log)
	log.Info().Msg("courierd_stopped")
}

// releaseLease is best-effort on shutdown; a failure only means the
// lease runs out its TTL before another worker can take over.
func releaseLease(store *outbound.SQLStore, session *outbound.Session, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	released, err := store.ReleaseLease(ctx, session.AccountID, session.OwnerID)
	if err != nil {
		log.Warn().Err(err).Msg("lease_release_failed")
		return
	}
	log.Info().Bool("released", released).Msg("lease_released")
}

func buildSender(channel courier.Channel, account config.Account, log zerolog.Logger) (courier.Sender, error) {
	switch channel {
	case courier.ChannelWhatsApp:
		return adapter.NewWhatsAppSender(adapter.WhatsAppConfig{
			BaseURL:        account.WhatsApp.BaseURL,
			PhoneNumberID:  account.WhatsApp.PhoneNumberID,
			AccessToken:    os.Getenv(account.WhatsApp.TokenEnv),
			SendsPerSecond: account.WhatsApp.SendsPerSecond,
		}, log)
	case courier.ChannelTelegram:
		return adapter.NewTelegramSender(adapter.TelegramConfig{
			Token: os.Getenv(account.Telegram.TokenEnv),
		}, log)
	}
	return nil, fmt.Errorf("no sender adapter for channel %q", channel)
}

func newMux(session *outbound.Session, metrics *outbound.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(w)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"account_id":       session.AccountID,
			"owner_id":         session.OwnerID,
			"lease_lost":       session.LeaseLost(),
			"lease_expires_at": session.LeaseExpiresAt(),
		})
	})
	return mux
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Logger()
}

func buildSQLServerDSN(cfg config.SQL) string {
	uri := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
	}
	query := url.Values{}
	query.Set("database", cfg.Database)
	query.Set("encrypt", cfg.Encrypt)
	uri.RawQuery = query.Encode()
	return uri.String()
}
