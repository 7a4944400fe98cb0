package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arjbhandari/rendezvousd/internal/config"
	"github.com/arjbhandari/rendezvousd/internal/dispatcher"
	"github.com/arjbhandari/rendezvousd/internal/events"
	"github.com/arjbhandari/rendezvousd/internal/metrics"
	"github.com/arjbhandari/rendezvousd/internal/store"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	log := newLogger(cfg.LogLevel)
	defer log.Sync()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorw("listen failed", "addr", addr, "err", err)
		os.Exit(1)
	}
	log.Infow("listening", "addr", ln.Addr())

	bus := events.NewBus()
	collector := metrics.New(bus)
	defer collector.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Warnw("metrics server error", "err", err)
			}
		}()
		log.Infow("metrics listening", "addr", cfg.MetricsAddr)
	}

	d := dispatcher.New(ln, store.New(), bus, log)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		<-ctx.Done()
		d.Shutdown()
	}()

	if err := d.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("dispatcher error", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *zap.SugaredLogger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
