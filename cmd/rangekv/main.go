package main

import (
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/eigerco/rangekv/pkg/log"
	"github.com/eigerco/rangekv/pkg/remote"
	"github.com/eigerco/rangekv/pkg/store"
)

// main serves one database over a unix socket or TCP.
// go run ./cmd/rangekv -path /tmp/rangekv -socket /tmp/rangekv.sock
func main() {
	socketPath := flag.String("socket", "/tmp/rangekv.sock", "Path of the unix socket to listen on")
	addr := flag.String("addr", "", "TCP address to listen on instead of the unix socket")
	path := flag.String("path", "", "Store directory, a temporary directory when empty")
	engine := flag.String("engine", store.EnginePebble, "Storage engine: pebble or memory")
	database := flag.String("db", store.DefaultDatabase, "Name of the database to serve")
	mapSize := flag.Uint64("map-size", store.DefaultMapSizeBytes, "Maximum store size in bytes")
	noSync := flag.Bool("no-sync", false, "Commit without waiting for stable storage")
	logLevel := flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "Log JSON lines instead of console output")
	flag.Parse()

	// Ensure no extra positional arguments
	if flag.NArg() > 0 {
		stdlog.Fatalf("unexpected arguments: %v", flag.Args())
	}

	level, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		stdlog.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logType := log.ConsoleLogger
	if *logJSON {
		logType = log.JSONLogger
	}
	log.Init(log.Options{LogLevel: level, Type: logType})

	var flags store.Flags
	if *noSync {
		flags |= store.NoSync
	}
	env, err := store.Open(store.Config{
		Path:         *path,
		Engine:       *engine,
		MapSizeBytes: *mapSize,
		Flags:        flags,
	})
	if err != nil {
		log.Root.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := env.Close(); err != nil {
			log.Root.Error().Err(err).Msg("error closing store")
		}
	}()

	d, err := env.OpenDatabase(*database)
	if err != nil {
		log.Root.Error().Err(err).Msg("failed to open database")
		return
	}

	server := remote.NewServer(env, d)
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		if err := server.Stop(); err != nil {
			log.Root.Error().Err(err).Msg("error stopping server")
		}
	}()

	network, address := "unix", *socketPath
	if *addr != "" {
		network, address = "tcp", *addr
	}
	log.Root.Info().Str("path", env.Path()).Str("engine", *engine).Msg("store opened")
	if err := server.Start(network, address); err != nil {
		log.Root.Error().Err(err).Msg("server failed")
	}
}
