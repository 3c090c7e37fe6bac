// stride-receiver accepts session telemetry from stride devices over
// websockets (and optionally an MQTT broker) and serves the latest state
// to viewers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/stride-relay/stride/internal/config"
	"github.com/stride-relay/stride/internal/device"
	"github.com/stride-relay/stride/internal/receiver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		port       int
		token      string
		broker     string
	)

	flagSet := pflag.NewFlagSet("stride-receiver", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to yaml config (defaults built in)")
	flagSet.IntVarP(&port, "port", "p", 0, "override listen port")
	flagSet.StringVar(&token, "token", "", "require this bearer token from devices and viewers")
	flagSet.StringVar(&broker, "mqtt", "", "also ingest from this MQTT broker, e.g. tcp://localhost:1883")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rc := cfg.Receiver
	if port > 0 {
		rc.Port = port
	}
	if token != "" {
		rc.AuthToken = token
	}
	if broker != "" {
		rc.MQTT.Broker = broker
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := receiver.NewStore(time.Now)
	broadcaster := receiver.NewBroadcaster(store, rc.BroadcastThrottle, rc.SnapshotInterval)
	ingestor := receiver.NewIngestor(store, broadcaster, rc.FinishedRetention)
	server := receiver.NewServer(rc, store, broadcaster, ingestor)

	go broadcaster.Run(ctx)
	go ingestor.Run(ctx)

	if rc.MQTT.Broker != "" {
		dev := device.Identify(ctx)
		mq := receiver.NewMQTTIngest(rc.MQTT, "stride-rx-"+dev.String(), rc.AuthToken, ingestor)
		if err := mq.Start(ctx); err != nil {
			return err
		}
		defer mq.Stop()
	}

	srv := &http.Server{}
	go func() {
		<-ctx.Done()
		log.Println("[receiver] shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return receiver.ListenAndServe(srv, rc.Host, rc.Port, server.Handler())
}
