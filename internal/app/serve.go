package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/announcements/internal/cli"
	"horse.fit/announcements/internal/httpapi"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8095, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	withWatcher := fs.Bool("watch", false, "Also run the inbox watcher in this process")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newStack(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close()

	rt.listen(ctx)

	if *withWatcher {
		watcher, err := newInboxWatcher(rt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create watcher: %v\n", err)
			return 1
		}
		if err := watcher.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start watcher: %v\n", err)
			return 1
		}
		defer watcher.Stop()
	}

	deps := httpapi.Deps{
		Store:       rt.pool,
		Resolver:    rt.resolver,
		Invalidator: rt.invalidator,
		Cache:       rt.cache,
	}
	if rt.rdb != nil {
		deps.Publisher = rt.publisher
	}

	srv := httpapi.NewServer(deps, rt.logger, httpapi.Options{
		Host:            *host,
		Port:            *port,
		ReadTimeout:     *readTimeout,
		WriteTimeout:    *writeTimeout,
		ShutdownTimeout: *shutdownTimeout,
		AllowOrigins:    rt.cfg.CORSAllowedOriginsList(),
	})

	if err := srv.Start(ctx); err != nil {
		rt.logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	return 0
}
