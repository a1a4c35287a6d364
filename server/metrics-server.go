package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Config represents server configuration.
type Config struct {
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`
	DBPath        string `toml:"db_path"`
	AccessLogFile string `toml:"access_log_file"`
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress: "0.0.0.0",
		ListenPort:    8080,
		DBPath:        "./data/metrics.db",
		AccessLogFile: "",
	}
}

// loadConfig reads a TOML config file, writing one with defaults first
// if it does not exist yet.
func loadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		cfgFile, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		defer cfgFile.Close()
		if err := toml.NewEncoder(cfgFile).Encode(cfg); err != nil {
			return nil, err
		}
		log.Printf("Created default config at %s", path)
		return cfg, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Server wires the HTTP handlers to the store.
type Server struct {
	config *Config
	store  Store
	// now supplies the current instant; swapped out in tests.
	now func() time.Time
}

// NewServer creates a server instance over an initialized store.
func NewServer(config *Config, store Store) *Server {
	return &Server{
		config: config,
		store:  store,
		now:    time.Now,
	}
}

// routes builds the HTTP router.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/metrics", s.handleCreateMetric).Methods("POST")
	r.HandleFunc("/metrics/query", s.handleQueryMetrics).Methods("GET")
	r.HandleFunc("/metrics/recent", s.handleRecentReadings).Methods("GET")
	r.HandleFunc("/metrics/readings", s.handleListReadings).Methods("GET")
	r.HandleFunc("/sensors", s.handleSensors).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	r.Use(requestIDMiddleware)

	return r
}

// requestIDMiddleware tags every request with an id for log correlation.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file (created with defaults if missing)")
	addr := flag.String("addr", "0.0.0.0", "listen address")
	port := flag.Int("port", 8080, "server port")
	dbPath := flag.String("db", "./data/metrics.db", "SQLite database path")
	accessLog := flag.String("access-log", "", "access log file path (empty for stdout)")
	importFile := flag.String("import", "", "import readings from a JSON export file and exit")
	flag.Parse()

	var config *Config
	if *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		config = cfg
	} else {
		config = &Config{
			ListenAddress: *addr,
			ListenPort:    *port,
			DBPath:        *dbPath,
			AccessLogFile: *accessLog,
		}
	}

	store := NewSQLiteStore(config.DBPath)
	if err := store.Initialize(); err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// One-shot import mode.
	if *importFile != "" {
		imported, err := ImportJSONFile(*importFile, store)
		if err != nil {
			log.Fatalf("Import failed: %v", err)
		}
		if err := VerifyImport(store, imported); err != nil {
			log.Fatalf("Import verification failed: %v", err)
		}
		log.Printf("Imported %d readings from %s", imported, *importFile)
		return
	}

	server := NewServer(config, store)
	router := server.routes()

	var accessLogWriter io.Writer = os.Stdout
	if config.AccessLogFile != "" {
		f, err := os.OpenFile(config.AccessLogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("Failed to open access log file: %v", err)
		} else {
			defer f.Close()
			accessLogWriter = f
		}
	}
	logged := handlers.LoggingHandler(accessLogWriter, router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.ListenAddress, config.ListenPort),
		Handler:      logged,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Sensor metrics service listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	log.Println("Server shutdown complete")
}
