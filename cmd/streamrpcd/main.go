// Command streamrpcd serves the demo methods over stream RPC.
//
// Without a listen address it serves stdin/stdout, which is how a parent
// process or an ssh session drives it:
//
//	ssh host streamrpcd -protocol xml
//
// With -listen it accepts TCP connections and, when a registry is
// configured, announces itself in etcd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"stream-rpc/config"
	"stream-rpc/logging"
	"stream-rpc/middleware"
	"stream-rpc/piperpc"
	"stream-rpc/registry"
	"stream-rpc/server"
	"stream-rpc/split"
	"stream-rpc/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "streamrpcd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Name, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mws := middlewares(cfg, logger)
	switch {
	case cfg.Legacy:
		return serveLegacy(ctx, cfg, logger, mws)
	case cfg.Listen == "":
		return serveStdio(ctx, cfg, logger, mws)
	default:
		return serveTCP(ctx, cfg, logger, mws)
	}
}

func loadConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("streamrpcd", flag.ContinueOnError)
	path := fs.String("config", "", "path to a TOML config file")
	listen := fs.String("listen", "", "TCP address to listen on instead of stdin/stdout")
	proto := fs.String("protocol", "", "auto, xml or json")
	legacy := fs.Bool("legacy", false, "serve piperpc framing on stdin/stdout")
	level := fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return config.Config{}, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "protocol":
			cfg.Protocol = *proto
		case "legacy":
			cfg.Legacy = *legacy
		case "log-level":
			cfg.Log.Level = *level
		}
	})
	if cfg.Registry.Service == "" {
		cfg.Registry.Service = cfg.Name
	}
	return cfg, cfg.Validate()
}

func middlewares(cfg config.Config, logger zerolog.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.RecoverMiddleware(),
		middleware.LoggingMiddleware(logger),
	}
	if cfg.RateLimit.Rate > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit.Rate, burst))
	}
	if cfg.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	mws = append(mws, middleware.RetryMiddleware(2, 50*time.Millisecond))
	return mws
}

func serverOptions(cfg config.Config, logger zerolog.Logger) []server.Option {
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMaxDocumentSize(cfg.MaxDocumentSize),
	}
	if cfg.Protocol != "auto" {
		opts = append(opts, server.WithProtocol(split.Format(cfg.Protocol)))
	}
	return opts
}

// announced describes the TCP listener to the registry. Servers answer both
// JSON-RPC versions; json_version tells discovering clients which to speak.
func announced(cfg config.Config) registry.ServiceInstance {
	inst := registry.ServiceInstance{Weight: cfg.Registry.Weight}
	if cfg.Protocol != "auto" {
		inst.Protocol = cfg.Protocol
	}
	if cfg.Protocol != string(split.XML) {
		inst.JSONVersion = cfg.JSONVersion
	}
	return inst
}

func stdio(cfg config.Config) *transport.Stream {
	if cfg.Nonblocking {
		return transport.Stdio(transport.WithNonblocking())
	}
	return transport.Stdio()
}

func serveStdio(ctx context.Context, cfg config.Config, logger zerolog.Logger, mws []middleware.Middleware) error {
	srv := server.New(stdio(cfg), serverOptions(cfg, logger)...)
	registerDemo(srv, cfg.Name)
	srv.Use(mws...)
	logger.Debug().Str("protocol", cfg.Protocol).Msg("serving stdio")
	return srv.ServeForever(ctx)
}

func serveLegacy(ctx context.Context, cfg config.Config, logger zerolog.Logger, mws []middleware.Middleware) error {
	srv := piperpc.NewServer(stdio(cfg),
		piperpc.WithServerLogger(logger),
		piperpc.WithServerMaxSize(cfg.MaxDocumentSize),
	)
	registerDemo(srv, cfg.Name)
	srv.Use(mws...)
	logger.Debug().Msg("serving piperpc on stdio")
	return srv.ServeForever(ctx)
}

func serveTCP(ctx context.Context, cfg config.Config, logger zerolog.Logger, mws []middleware.Middleware) error {
	tcp := server.NewTCPServer(func(s *server.Server) {
		registerDemo(s, cfg.Name)
		s.Use(mws...)
	}, serverOptions(cfg, logger)...)

	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
		if err != nil {
			return err
		}
		defer reg.Close()
		tcp.Announce(reg, cfg.Registry.Service, announced(cfg), cfg.Registry.TTL)
	}

	errc := make(chan error, 1)
	go func() { errc <- tcp.ListenAndServe(cfg.Listen) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	err := tcp.Shutdown(shutdownTimeout)
	if serveErr := <-errc; serveErr != nil {
		err = errors.Join(err, serveErr)
	}
	return err
}
