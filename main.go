// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"dhtmsg/internal/config"
	"dhtmsg/internal/dht"
	"dhtmsg/internal/identity"
	"dhtmsg/internal/pkg/sys"
	"dhtmsg/internal/rendezvous"
	"dhtmsg/internal/version"
	"dhtmsg/internal/web"
)

func main() {
	setupFlagsAndEnvParser()

	if viper.GetBool("version") {
		fmt.Println(version.Print())
		return
	}

	debug := viper.GetBool("debug")
	if debug {
		_, _ = fmt.Fprintln(os.Stderr, "enable debug mode")
	}

	setupLogger()

	cfg := mustParseConfig()

	if sys.IsLinux {
		if _, err := maxprocs.Set(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to set GOMAXPROCS automatically.")
			_, _ = fmt.Fprintln(os.Stderr, "Consider to set env manually if you are running with cgroup.")
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	session := mustCreateSession(cfg)

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		errExit("failed to listen on hello port", err)
	}
	defer conn.Close()

	d, err := dht.NewMainline(dht.MainlineConfig{
		Port:      cfg.DHTPort,
		Bootstrap: cfg.Bootstrap,
	})
	if err != nil {
		errExit("failed to start DHT", err)
	}
	defer d.Close()

	log.Info().Stringer("hello", conn.LocalAddr()).Stringer("dht", d.LocalAddr()).Msg("listening")

	c := rendezvous.New(session, d, conn, rendezvous.Options{
		AnnounceInterval: cfg.AnnounceInterval.Std(),
		LookupInterval:   cfg.LookupInterval.Std(),
		RetryInterval:    cfg.RetryInterval.Std(),
		BootstrapTimeout: cfg.BootstrapTimeout.Std(),
		ExitOnConnect:    cfg.ExitOnConnect,
	})

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		return c.Run(ctx)
	})

	g.Go(func() error {
		success := color.New(color.FgGreen, color.Bold)
		select {
		case r := <-c.Connected():
			_, _ = success.Println(r.String())
		case <-ctx.Done():
			// Run may return right after publishing result.
			select {
			case r := <-c.Connected():
				_, _ = success.Println(r.String())
			default:
			}
		}
		return nil
	})

	if cfg.Metrics != "" {
		server := &http.Server{
			Addr:              cfg.Metrics,
			Handler:           web.New(c, debug),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			fmt.Println("start", "http://"+cfg.Metrics)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	if _, ok := session.Result(); ok && cfg.ExitOnConnect {
		return
	}

	fmt.Println("shutting down...")

	if err != nil && !errors.Is(err, context.Canceled) {
		errExit("unexpected error", err)
	}
}

func setupFlagsAndEnvParser() {
	pflag.String("config-file", "", "path to config file")

	pflag.String("id", "", "own node id, 32 hex characters (generated if empty)")
	pflag.String("peer", "", "expected peer node id, 32 hex characters")
	pflag.Bool("listen", false, "no peer, only announce own id and answer hello")
	pflag.Bool("exit-on-connect", true, "exit after verified handshake with peer")

	pflag.Uint16("port", 0, "hello UDP port (default random)")
	pflag.Uint16("dht-port", 0, "DHT UDP port (default random)")
	pflag.StringSlice("bootstrap", nil, "DHT bootstrap nodes as host:port (default BitTorrent routers)")

	pflag.Duration("announce-interval", 45*time.Second, "interval of announcing own id to DHT")
	pflag.Duration("lookup-interval", 5*time.Second, "interval of looking up peer in DHT")
	pflag.Duration("retry-interval", 5*time.Second, "interval of sending hello again to a candidate")
	pflag.Duration("bootstrap-timeout", 30*time.Second, "timeout of a single DHT bootstrap attempt")

	pflag.String("metrics", "", "http address to serve /metrics and /status, disabled if empty")

	pflag.Bool("log-json", false, "log as json format")
	pflag.String("log-level", "info", "log level")
	pflag.String("log-file", "", "also write log to this file")

	pflag.Bool("debug", false, "enable debug mode")
	pflag.Bool("version", false, "print version and exit")

	// this avoids 'pflag: help requested' error when calling for help message.
	if slices.Contains(os.Args[1:], "--help") || slices.Contains(os.Args[1:], "-h") {
		pflag.Usage()
		_, _ = fmt.Fprintln(os.Stderr, "\nNote: command arguments will override config file, but won't change config file.")
		os.Exit(0)
		return
	}

	pflag.Parse()

	viper.SetEnvPrefix("DHTMSG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	lo.Must0(viper.BindPFlags(pflag.CommandLine), "failed to parse combine argument with env")
}

func errExit(msg ...any) {
	_, _ = fmt.Fprintln(os.Stderr, msg...)
	os.Exit(1)
}

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}

	errExit(fmt.Sprintf("unknown log level %q, only trace/debug/info/warn/error is allowed", s))

	return zerolog.NoLevel
}

func setupLogger() {
	jsonLog := viper.GetBool("log-json")
	logFile := viper.GetString("log-file")
	logLevel := parseLogLevel(viper.GetString("log-level"))

	var w io.Writer = os.Stdout

	if !jsonLog {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	if logFile != "" {
		rotation := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, //days
		}
		w = zerolog.MultiLevelWriter(rotation, w)
	}

	log.Logger = log.Output(w).Level(logLevel)
}

func mustParseConfig() config.Config {
	cfg, err := config.LoadFromFile(viper.GetString("config-file"))
	if err != nil {
		errExit("failed to load config", err)
	}

	if viper.IsSet("id") {
		cfg.ID = viper.GetString("id")
	}
	if viper.IsSet("peer") {
		cfg.Peer = viper.GetString("peer")
	}
	if viper.IsSet("listen") {
		cfg.Listen = viper.GetBool("listen")
	}
	if viper.IsSet("exit-on-connect") {
		cfg.ExitOnConnect = viper.GetBool("exit-on-connect")
	}
	if viper.IsSet("port") {
		cfg.Port = viper.GetUint16("port")
	}
	if viper.IsSet("dht-port") {
		cfg.DHTPort = viper.GetUint16("dht-port")
	}
	if viper.IsSet("bootstrap") {
		cfg.Bootstrap = viper.GetStringSlice("bootstrap")
	}
	if viper.IsSet("metrics") {
		cfg.Metrics = viper.GetString("metrics")
	}

	for key, d := range map[string]*config.Duration{
		"announce-interval": &cfg.AnnounceInterval,
		"lookup-interval":   &cfg.LookupInterval,
		"retry-interval":    &cfg.RetryInterval,
		"bootstrap-timeout": &cfg.BootstrapTimeout,
	} {
		if viper.IsSet(key) {
			*d = config.Duration(viper.GetDuration(key))
		}
	}

	if err := cfg.Validate(); err != nil {
		errExit(err)
	}

	return cfg
}

func mustCreateSession(cfg config.Config) *rendezvous.Session {
	var own identity.NodeID
	if cfg.ID == "" {
		own = identity.Generate()
		_, _ = fmt.Fprintf(os.Stderr, "id is empty, generating new id: %s\n", own)
	} else {
		var err error
		own, err = identity.Parse(cfg.ID)
		if err != nil {
			errExit("failed to parse id", err)
		}
	}

	fmt.Printf("own id: %s\n", own)

	if cfg.Listen {
		return rendezvous.NewListenSession(own)
	}

	peer, err := identity.Parse(cfg.Peer)
	if err != nil {
		errExit("failed to parse peer id", err)
	}

	fmt.Printf("looking for peer: %s\n", peer)

	return rendezvous.NewSession(own, peer)
}
