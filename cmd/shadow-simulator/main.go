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

	"github.com/shadowsync/shadowsync/internal/config"
	"github.com/shadowsync/shadowsync/internal/simulator"
	"github.com/shadowsync/shadowsync/internal/transport"
)

// shadow-simulator serves the shadow get/update topics for one device
// over a real broker, standing in for the cloud shadow service so
// shadow clients can run against MQTT or NATS without cloud access.
func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/shadow-simulator.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var tr transport.Transport
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
			Name:              fmt.Sprintf("shadow-simulator-%s", cfg.Device.ID),
			Username:          cfg.Transport.NATS.Username,
			Password:          cfg.Transport.NATS.Password,
			MaxReconnects:     cfg.Transport.NATS.MaxReconnects,
			ReconnectInterval: cfg.Transport.NATS.ReconnectInterval,
		})
	default:
		log.Fatal().Str("kind", cfg.Transport.Kind).Msg("Simulator requires the mqtt or nats transport")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim := simulator.New(cfg.Device.ID, tr)
	if err := sim.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start shadow simulator")
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()
	sim.Close()

	log.Info().Msg("Shadow simulator stopped")
}
