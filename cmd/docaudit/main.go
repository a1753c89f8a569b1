package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"docaudit/auditor"
	"docaudit/server"
)

func main() {
	var configPath string
	var listenAddr string
	var dbPath string
	var tempDir string
	var inlineUploads bool
	var debug bool
	var drainTimeout time.Duration
	var drainPoll time.Duration

	flag.StringVar(&configPath, "config", "", "YAML config file path.")
	flag.StringVar(&listenAddr, "listen", ":8080", "HTTP listen address.")
	flag.StringVar(&dbPath, "db", "docaudit.db", "SQLite database path.")
	flag.StringVar(&tempDir, "temp-dir", "", "Directory for transient upload files (default: system temp).")
	flag.BoolVar(&inlineUploads, "inline-uploads", false, "Run uploads on the registering request instead of in the background.")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.DurationVar(&drainTimeout, "drain-timeout", 60*time.Second, "Max wait for in-flight uploads before a run fails.")
	flag.DurationVar(&drainPoll, "drain-poll", time.Second, "Upload status poll interval.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	cfg := &auditor.Config{}
	if configPath != "" {
		loaded, err := auditor.LoadConfig(configPath)
		if err != nil {
			boot := zerolog.New(os.Stderr)
			boot.Fatal().Err(err).Msg("load config")
		}
		cfg = loaded
	}
	if visited["listen"] || cfg.ListenAddr == "" {
		cfg.ListenAddr = listenAddr
	}
	if visited["db"] || cfg.DB == "" {
		cfg.DB = dbPath
	}
	if visited["temp-dir"] {
		cfg.TempDir = tempDir
	}
	if visited["inline-uploads"] {
		cfg.InlineUploads = inlineUploads
	}
	if visited["debug"] {
		cfg.Debug = debug
	}
	if visited["drain-timeout"] {
		cfg.Drain.Timeout = auditor.Duration(drainTimeout)
	}
	if visited["drain-poll"] {
		cfg.Drain.PollInterval = auditor.Duration(drainPoll)
	}
	cfg.ApplyDefaults()

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	db, err := auditor.OpenDB(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DB).Msg("open database")
	}

	cache, err := auditor.NewUploadCache(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("load upload cache")
	}
	store := auditor.NewSessionStore(db, log)
	uploader := auditor.NewStoreClient(cfg.FileStore, log)
	gen := auditor.NewGenClient(cfg.Generation, log)

	svc := auditor.NewService(store, cache, uploader, cfg, log)
	sched := auditor.NewScheduler(svc, cfg.InlineUploads, log)
	pipe := auditor.NewPipeline(svc, gen, log)

	srv := server.New(svc, sched, pipe, cfg, log)
	log.Info().Str("addr", cfg.ListenAddr).Bool("inline_uploads", cfg.InlineUploads).Msg("listening")
	if err := http.ListenAndServe(cfg.ListenAddr, srv.Router()); err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
}
