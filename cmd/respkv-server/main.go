// Command respkv-server runs the respkv key/value and pub/sub service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pascaldekloe/respkv/server"
)

var (
	hostFlag         = flag.String("host", "0.0.0.0", "Bind `address`.")
	portFlag         = flag.Int("port", 6379, "Listen `port`.")
	maxConnsFlag     = flag.Int64("max-conns", 250, "Maximum concurrent client `connections`.")
	drainTimeoutFlag = flag.Duration("drain-timeout", 30*time.Second, "Bound on graceful-shutdown `wait` for in-flight handlers.")
)

func main() {
	flag.Usage = func() {
		os.Stderr.WriteString(`NAME
	respkv-server — in-memory key/value and pub/sub service

SYNOPSIS
	respkv-server [ options ]

DESCRIPTION
	respkv-server accepts RESP-framed connections and serves GET, SET,
	PUBLISH, SUBSCRIBE, UNSUBSCRIBE and PING against a shared in-memory
	store. It exits 0 on clean shutdown (SIGINT/SIGTERM), non-zero on
	bind failure.

	The following options are available:

`)
		flag.PrintDefaults()
	}
	flag.Parse()

	level := new(slog.LevelVar)
	if v, ok := os.LookupEnv("RESPKV_LOG_LEVEL"); ok {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			fmt.Fprintln(os.Stderr, "respkv-server: RESPKV_LOG_LEVEL:", err)
			os.Exit(2)
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	addr := net.JoinHostPort(*hostFlag, strconv.Itoa(*portFlag))
	sup := server.New(server.Config{
		Addr:         addr,
		MaxConns:     *maxConnsFlag,
		DrainTimeout: *drainTimeoutFlag,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received, draining")
		sup.Shutdown()
	}()

	go func() {
		for err := range sup.Errs {
			logger.Error("connection error", "err", err)
		}
	}()

	logger.Info("listening", "addr", addr)
	if err := sup.ListenAndServe(); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
