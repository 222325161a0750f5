package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ebbnc/internal/application"
	"ebbnc/internal/config"
	"ebbnc/internal/infrastructure/dnsresolver"
	"ebbnc/internal/infrastructure/ident"
	"ebbnc/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const dnsTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "ebbnc.conf", "Path to the configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logJSON := flag.Bool("log-json", false, "Log as JSON instead of text")
	flag.Parse()

	log := logger.Setup(logger.Options{Debug: *debug, JSON: *logJSON})

	settings, err := config.LoadFile(*configPath)
	if err != nil {
		log.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := dnsresolver.New(log, dnsresolver.DefaultResolvConf, dnsTimeout)

	ln, err := application.Listen(ctx, settings, resolver)
	if err != nil {
		log.Error("Failed to listen", "error", err)
		os.Exit(1)
	}

	if settings.PIDFile != "" {
		if err := writePIDFile(settings.PIDFile); err != nil {
			ln.Close()
			log.Error("Failed to write pid file", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := removePIDFile(settings.PIDFile); err != nil {
				log.Warn("Failed to remove pid file", "error", err)
			}
		}()
	}

	relay := application.NewRelayService(settings, ident.New(), resolver, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Serve(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		return ln.Close()
	})

	if err := g.Wait(); err != nil {
		log.Error("Relay stopped unexpectedly", "error", err)
	}
}
