package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gnemet/procgrid"
	"github.com/gnemet/procgrid/columnstate"
	"github.com/gnemet/procgrid/database/router"
	"github.com/gnemet/procgrid/metadata"
	"github.com/gnemet/procgrid/registry"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Application struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"application"`
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database []router.DatabaseConfig `yaml:"database"`
	Catalog  struct {
		Path   string `yaml:"path"`
		Schema string `yaml:"schema"`
	} `yaml:"catalog"`
	Metadata struct {
		CacheSize int `yaml:"cache_size"`
	} `yaml:"metadata"`
	Query struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"query"`
}

func loadConfig() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("PROCGRID_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))
	var cfg Config
	err = yaml.Unmarshal([]byte(expanded), &cfg)
	return &cfg, err
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := loadConfig()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	catPath := os.Getenv("CATALOG_PATH")
	if catPath == "" {
		catPath = cfg.Catalog.Path
	}
	reg, err := registry.LoadFile(catPath, cfg.Catalog.Schema)
	if err != nil {
		log.Error("Failed to load procedure catalog", "error", err)
		os.Exit(1)
	}

	rt, err := router.Open(cfg.Database, log)
	if err != nil {
		log.Error("Failed to open databases", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	resolver, err := metadata.NewResolver(metadata.NewSQLStore(rt.Default()), cfg.Metadata.CacheSize, log)
	if err != nil {
		log.Error("Failed to initialize metadata resolver", "error", err)
		os.Exit(1)
	}

	queryTimeout, _ := time.ParseDuration(cfg.Query.Timeout)
	if queryTimeout == 0 {
		queryTimeout = 30 * time.Second
	}

	engine := procgrid.NewEngine(reg, rt, resolver, procgrid.NewPostgresInvoker(queryTimeout), log)
	handler := procgrid.NewHandler(engine, columnstate.New(rt.Default()), log)

	mux := http.NewServeMux()
	handler.Register(mux)

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}
	addr := fmt.Sprintf(":%s", port)

	log.Info("gridserver listening",
		"app", cfg.Application.Name,
		"version", cfg.Application.Version,
		"addr", addr,
		"procedures", len(reg.Active()))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}
