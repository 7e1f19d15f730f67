// Command twiced runs the caching reverse proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/twicecache/twice"
	"github.com/twicecache/twice/config"
	"github.com/twicecache/twice/kv"
	"github.com/twicecache/twice/leveldbcache"
	"github.com/twicecache/twice/mail"
	"github.com/twicecache/twice/memcache"
	"github.com/twicecache/twice/proxy"
	"github.com/twicecache/twice/redis"
	"github.com/twicecache/twice/session"
	"github.com/twicecache/twice/store"
)

const version = "0.2"

func main() {
	var (
		configPath = flag.String("c", "", "config file")
		port       = flag.Int("p", 0, "port to listen on")
		origin     = flag.String("w", "", "backend webserver to request from")
		logFile    = flag.String("l", "", "log file")
		geoipPath  = flag.String("geoip", "", "GeoIP country database")
		verbose    = flag.Bool("v", false, "verbose mode")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *origin != "" {
		cfg.Origin = *origin
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *verbose {
		cfg.Verbose = true
	}

	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFile != "" && cfg.LogFile != "stdout" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: open log: %v\n", os.Args[0], err)
			os.Exit(1)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	mailer := mail.New(cfg.MailServer, cfg.MailFrom, cfg.MailTo)

	cache, err := openCache(cfg)
	if err != nil {
		log.Fatalf("Unable to initialize cache: %v", err)
	}

	var backend, viewdb store.KV
	if len(cfg.BackendMemcache) > 0 {
		log.Infof("Creating connections to backend_memcache servers %v...", cfg.BackendMemcache)
		backend = kv.New(cfg.BackendMemcache...)
	}
	if len(cfg.BackendViewdb) > 0 {
		log.Infof("Creating connections to backend_viewdb servers %v...", cfg.BackendViewdb)
		viewdb = kv.New(cfg.BackendViewdb...)
	}

	var db *sqlx.DB
	var sessions store.Sessions
	if cfg.DatabaseDSN != "" {
		db, err = sqlx.Open("postgres", cfg.DatabaseDSN)
		if err != nil {
			mailer.Error(fmt.Sprintf("Unable to connect to backend database: %v", err))
		} else {
			log.Info("Connected to db.")
			sessions = &session.Store{DB: db}
		}
	}

	var geo proxy.GeoResolver
	if *geoipPath != "" {
		resolver, err := proxy.OpenMaxmind(*geoipPath)
		if err != nil {
			mailer.Error(fmt.Sprintf("Unable to load GeoIP database: %v", err))
		} else {
			defer resolver.Close()
			geo = resolver
		}
	}

	log.Info("Initializing data store...")
	ds := store.New(store.Options{
		Config:   cfg,
		Cache:    cache,
		KV:       backend,
		Viewdb:   viewdb,
		Sessions: sessions,
		DB:       db,
		Mailer:   mailer,
	})

	hostname, _ := os.Hostname()
	handler, err := proxy.NewHandler(cfg, ds, geo, mailer, version, hostname)
	if err != nil {
		log.Fatalf("Unable to initialize handler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ds.AB().Run(ctx)
	go handler.Uniques().Run(ctx)

	server := &proxy.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Interface, cfg.Port),
		Handler: handler,
	}
	if err := server.ListenAndServe(ctx); err != nil {
		mailer.Error(fmt.Sprintf("Error starting handler: %v", err))
		os.Exit(1)
	}
}

func openCache(cfg *config.Config) (twice.Cache, error) {
	switch cfg.CacheType {
	case "", "internal":
		log.Info("CACHE_BACKEND: Using in-memory cache")
		return twice.NewMemoryCache(), nil
	case "memcache":
		if len(cfg.CacheServers) == 0 {
			return nil, fmt.Errorf("cache_type memcache needs cache_server")
		}
		log.Infof("CACHE_BACKEND: Connecting to memcache servers %v", cfg.CacheServers)
		return memcache.New(cfg.CacheServers...), nil
	case "redis":
		if len(cfg.CacheServers) == 0 {
			return nil, fmt.Errorf("cache_type redis needs cache_server")
		}
		log.Infof("CACHE_BACKEND: Connecting to redis server %v", cfg.CacheServers)
		return redis.New(cfg.CacheServers[0]), nil
	case "leveldb":
		log.Infof("CACHE_BACKEND: Opening leveldb at %s", cfg.LevelDBPath)
		return leveldbcache.New(cfg.LevelDBPath)
	case "null":
		log.Info("CACHE_BACKEND: Using NULL cache (Nothing will be cached)")
		return twice.NewNullCache(), nil
	}
	return nil, fmt.Errorf("unknown cache_type %q", cfg.CacheType)
}
