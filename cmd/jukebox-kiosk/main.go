package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/jukebox/internal/admission"
	"github.com/MarcoPoloResearchLab/jukebox/internal/auth"
	"github.com/MarcoPoloResearchLab/jukebox/internal/coin"
	"github.com/MarcoPoloResearchLab/jukebox/internal/config"
	"github.com/MarcoPoloResearchLab/jukebox/internal/credits"
	"github.com/MarcoPoloResearchLab/jukebox/internal/database"
	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"github.com/MarcoPoloResearchLab/jukebox/internal/ids"
	"github.com/MarcoPoloResearchLab/jukebox/internal/kiosk"
	"github.com/MarcoPoloResearchLab/jukebox/internal/logging"
	"github.com/MarcoPoloResearchLab/jukebox/internal/metrics"
	"github.com/MarcoPoloResearchLab/jukebox/internal/playqueue"
	"github.com/MarcoPoloResearchLab/jukebox/internal/server"
	"github.com/MarcoPoloResearchLab/jukebox/internal/storage"
	"github.com/MarcoPoloResearchLab/jukebox/internal/telemetry"
)

const (
	tokenIssuer   = "jukebox-kiosk"
	tokenAudience = "jukebox-admin"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jukebox-kiosk",
		Short: "Coin-operated video jukebox kiosk service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newPortsCommand(), newDecodeCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("coin-mode", defaults.GetString("coin.mode"), "Coin protocol decoder (strict, tolerant)")
	cmd.PersistentFlags().String("serial-port", defaults.GetString("serial.port"), "Coin acceptor serial device (empty auto-detects)")
	cmd.PersistentFlags().Bool("autoconnect", defaults.GetBool("serial.autoconnect"), "Connect the coin acceptor at start")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("admin.token_ttl_minutes"), "Admin token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().String("mqtt-broker", defaults.GetString("mqtt.broker"), "Telemetry broker host:port (empty disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "coin.mode", "coin-mode")
	bindFlag(cmd, "serial.port", "serial-port")
	bindFlag(cmd, "serial.autoconnect", "autoconnect")
	bindFlag(cmd, "admin.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
	bindFlag(cmd, "mqtt.broker", "mqtt-broker")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	idProvider := ids.NewUUIDProvider()
	store, err := storage.NewSQLStore(db, time.Now)
	if err != nil {
		return err
	}
	logStore, err := storage.NewLogStore(storage.LogStoreConfig{
		Database:   db,
		IDProvider: idProvider,
		Retention:  appConfig.LogRetention,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	bus := events.Default()
	bus.SetLogger(logger)

	ledger := credits.NewLedger(credits.LedgerConfig{Store: store, Bus: bus, Logger: logger})
	queue := playqueue.New(playqueue.Config{
		MaxCredits: playqueue.DefaultMaxCredits,
		IDProvider: idProvider,
	})
	policy, err := admission.NewPolicy(admission.Config{
		Balance:      ledger,
		Reservations: queue,
		MaxReserved:  queue.MaxCredits(),
		Pricing:      appConfig.Pricing,
	})
	if err != nil {
		return err
	}
	decoder, err := coin.NewDecoder(appConfig.Coin.Mode, coin.DecoderConfig{
		Header:        appConfig.Coin.Header,
		Denominations: appConfig.Coin.Denominations,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	kioskService, err := kiosk.NewService(kiosk.Config{
		Ledger:             ledger,
		Queue:              queue,
		Policy:             policy,
		Bus:                bus,
		Store:              store,
		Logs:               logStore,
		Opener:             coin.SerialOpener{},
		Decoder:            decoder,
		Port:               appConfig.Serial.Port,
		BackgroundCredits:  appConfig.Kiosk.BackgroundCredits,
		TrackDeposits:      appConfig.Kiosk.TrackDeposits,
		InactivityTimeout:  appConfig.Kiosk.InactivityTimeout,
		StatusPollInterval: appConfig.Kiosk.StatusPollInterval,
		OnIdle: func() {
			logger.Info("kiosk idle")
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	kioskService.Start()
	defer kioskService.Close() //nolint:errcheck

	collector := metrics.NewCollector(queue)
	if err := collector.Attach(bus); err != nil {
		return err
	}
	defer collector.Detach()

	if appConfig.MQTT.Broker != "" {
		stopTelemetry := startTelemetry(ctx, appConfig.MQTT, bus, logger)
		defer stopTelemetry()
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Admin.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.Admin.TokenTTL,
	})
	if err != nil {
		return err
	}
	pinVerifier, err := auth.NewPINVerifier(appConfig.Admin.PIN)
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	if err := realtime.Attach(bus); err != nil {
		return err
	}
	defer realtime.Detach()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Kiosk:          kioskService,
		Tokens:         tokenManager,
		PIN:            pinVerifier,
		Bus:            bus,
		Realtime:       realtime,
		Metrics:        collector.Handler(),
		Logger:         logger,
		LoginPerMinute: appConfig.Admin.LoginPerMinute,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.Serial.AutoConnect {
		if !kioskService.ConnectHardware(signalCtx, "") {
			logger.Warn("coin acceptor autoconnect failed, waiting for admin connect")
		}
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("coin_mode", string(decoder.Mode())))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// startTelemetry connects the MQTT bridge. A broker that cannot be reached is logged and skipped.
func startTelemetry(ctx context.Context, cfg config.MQTTConfig, bus *events.Bus, logger *zap.Logger) func() {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := telemetry.Connect(connectCtx, cfg.Broker, cfg.ClientID, logger)
	if err != nil {
		logger.Warn("telemetry disabled", zap.String("broker", cfg.Broker), zap.Error(err))
		return func() {}
	}
	bridge, err := telemetry.NewBridge(telemetry.BridgeConfig{
		Publisher:   client,
		TopicPrefix: cfg.TopicPrefix,
		ClientID:    cfg.ClientID,
		Logger:      logger,
	})
	if err == nil {
		err = bridge.Attach(bus)
	}
	if err != nil {
		logger.Warn("telemetry disabled", zap.Error(err))
		client.Disconnect(250)
		return func() {}
	}
	return func() {
		bridge.Detach()
		client.Disconnect(250)
	}
}
