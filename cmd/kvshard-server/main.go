package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	cache "github.com/unkn0wn-root/kvshard"
	"github.com/unkn0wn-root/kvshard/internal/logging"
	"github.com/unkn0wn-root/kvshard/server"
	"github.com/unkn0wn-root/kvshard/store"
)

const (
	exitConfig = 1
	exitStore  = 60
	exitListen = 62
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("kvshard-server", flag.ContinueOnError)
	var (
		configPath = fs.StringP("config", "c", server.DefaultConfigFile, "path to the KEY value config file")
		port       = fs.IntP("port", "p", -1, "override LISTENING_PORT")
		dbDir      = fs.String("db", "", "override DB_DIR")
		cacheSize  = fs.Int64("cache-size", 0, "override CACHE_SIZE")
		logLevel   = fs.String("log-level", "", "override LOG_LEVEL (debug|info|warn|error)")
		logFormat  = fs.String("log-format", "", "override LOG_FORMAT (text|json)")
		metrics    = fs.String("metrics", "", "override METRICS_ADDR, e.g. :9100")
	)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitConfig
	}

	boot, _ := logging.New("info", logging.FormatText, os.Stderr)
	boot.Info("server initialization started")

	cfg, err := server.LoadConfig(*configPath, boot)
	if err != nil {
		boot.Error("reading server config failed", "err", err)
		return exitConfig
	}
	if *port >= 0 {
		cfg.Port = *port
	}
	if *dbDir != "" {
		cfg.DBDir = *dbDir
	}
	if *cacheSize > 0 {
		cfg.CacheSize = *cacheSize
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *metrics != "" {
		cfg.MetricsAddr = *metrics
	}
	if err := cfg.Validate(); err != nil {
		boot.Error("invalid configuration", "err", err)
		return exitConfig
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		boot.Error("invalid logging configuration", "err", err)
		return exitConfig
	}

	st, err := store.Open(store.Options{
		Dir:          cfg.DBDir,
		Buckets:      cfg.DBBuckets,
		SlotsPerFile: cfg.DBSlotsPerFile,
		Logger:       log,
	})
	if err != nil {
		log.Error("persistent store init failed", "dir", cfg.DBDir, "err", err, "exit", exitStore)
		return exitStore
	}
	defer st.Close()

	ccfg := cache.DefaultConfig(cfg.CacheSize)
	ccfg.Logger = log
	eng, err := cache.New(ccfg, st)
	if err != nil {
		log.Error("cache init failed", "err", err)
		return exitConfig
	}
	log.Info("cache ready",
		"capacity", humanize.Comma(cfg.CacheSize),
		"payload", humanize.IBytes(uint64(cfg.CacheSize)*(cache.KeySize+cache.ValueSize)),
		"shards", eng.Config().ShardCount,
		"buckets", humanize.Comma(int64(eng.Config().BucketCount)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, eng, log)
	if err := srv.Listen(ctx); err != nil {
		log.Error("socket listen failed", "err", err, "exit", exitListen)
		return exitListen
	}
	log.Info("server initialization complete")

	if err := srv.Serve(ctx); err != nil {
		log.Error("server stopped with error", "err", err)
	}
	log.Info("shutting down")
	n := srv.Shutdown()
	log.Info("server stopped", "flushed", humanize.Comma(int64(n)))
	return 0
}
