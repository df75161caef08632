package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shadowsync/shadowsync/internal/api"
	"github.com/shadowsync/shadowsync/internal/config"
	"github.com/shadowsync/shadowsync/internal/engine"
	"github.com/shadowsync/shadowsync/internal/simulator"
	"github.com/shadowsync/shadowsync/internal/store"
	"github.com/shadowsync/shadowsync/internal/transport"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}
	} else {
		cfg = config.Default()
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Select the local state store
	var st store.Store
	switch cfg.Store.Kind {
	case "postgres":
		pg, err := store.NewPostgresStore(cfg.Store.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pg.Close()
		log.Info().Msg("Connected to database")
		st = pg
	default:
		st = store.NewFileStore(cfg.Store.BaseDir)
	}

	// Select the transport. The in-memory transport also starts an
	// embedded simulator on the same bus, so the client is fully
	// self-contained.
	var tr transport.Transport
	var sim *simulator.Simulator
	switch cfg.Transport.Kind {
	case "mqtt":
		tr = transport.NewMQTT(transport.MQTTConfig{
			BrokerURL:      cfg.Transport.MQTT.BrokerURL,
			DeviceID:       cfg.Device.ID,
			Username:       cfg.Transport.MQTT.Username,
			Password:       cfg.Transport.MQTT.Password,
			CACertFile:     cfg.Transport.MQTT.CACertFile,
			CertFile:       cfg.Transport.MQTT.CertFile,
			KeyFile:        cfg.Transport.MQTT.KeyFile,
			ConnectTimeout: cfg.Transport.MQTT.ConnectTimeout,
			KeepAlive:      cfg.Transport.MQTT.KeepAlive,
			QoS:            byte(*cfg.Transport.MQTT.QoS),
		})
	case "nats":
		tr = transport.NewNATS(transport.NATSConfig{
			URL:               cfg.Transport.NATS.URL,
			Name:              fmt.Sprintf("shadow-client-%s", cfg.Device.ID),
			Username:          cfg.Transport.NATS.Username,
			Password:          cfg.Transport.NATS.Password,
			MaxReconnects:     cfg.Transport.NATS.MaxReconnects,
			ReconnectInterval: cfg.Transport.NATS.ReconnectInterval,
		})
	default:
		bus := transport.NewBus()
		sim = simulator.New(cfg.Device.ID, bus.Session())
		if err := sim.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start embedded simulator")
		}
		defer sim.Close()
		tr = bus.Session()
	}

	repl := newREPL(os.Stdin, os.Stdout)

	// Start the synchronization engine
	eng := engine.New(cfg.Device.ID, tr, st, engine.Options{
		Timeout: cfg.Engine.ResponseTimeout,
		OnDelta: repl.notifyDelta,
		OnDiagnostic: func(err error) {
			log.Warn().Err(err).Msg("Shadow diagnostic")
		},
	})
	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start shadow engine")
	}
	defer eng.Close()

	log.Info().
		Str("deviceID", cfg.Device.ID).
		Str("transport", cfg.Transport.Kind).
		Str("store", cfg.Store.Kind).
		Msg("Shadow client started")

	// Optional REST API
	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		apiServer = api.NewRESTServer(eng)
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			if err := apiServer.ListenAndServe(addr); err != nil {
				log.Error().Err(err).Msg("REST API server stopped")
			}
		}()
	}

	// Drive the interactive loop until quit or signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	replDone := make(chan struct{})
	go func() {
		defer close(replDone)
		repl.run(ctx, eng)
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-replDone:
	}

	cancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
	}

	log.Info().Msg("Shadow client stopped")
}
