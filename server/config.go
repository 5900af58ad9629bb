package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/unkn0wn-root/kvshard/internal/logging"
	"github.com/unkn0wn-root/kvshard/store"
)

const (
	DefaultConfigFile = "KVServer.conf"

	defaultPort             = 12345
	defaultListenLimit      = 1024
	defaultPoolSizeInitial  = 2
	defaultPoolGrowth       = 2
	defaultClientsPerWorker = 5
	defaultCacheSize        = 5
)

// Config is the server configuration. The file form is one "KEY value" pair
// per line.
type Config struct {
	Port             int           // LISTENING_PORT
	ListenLimit      int           // SOCKET_LISTEN_N_LIMIT
	PoolSizeInitial  int           // THREAD_POOL_SIZE_INITIAL
	PoolGrowth       int           // THREAD_POOL_GROWTH
	ClientsPerWorker int           // CLIENTS_PER_THREAD
	CacheSize        int64         // CACHE_SIZE
	DBDir            string        // DB_DIR
	DBBuckets        uint64        // DB_BUCKETS
	DBSlotsPerFile   uint64        // DB_SLOTS_PER_FILE
	AcceptRate       float64       // ACCEPT_RATE, connections/s; 0 = unlimited
	IdleTimeout      time.Duration // IDLE_TIMEOUT; 0 = none
	MetricsAddr      string        // METRICS_ADDR; empty = disabled
	LogLevel         string        // LOG_LEVEL
	LogFormat        string        // LOG_FORMAT
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Port:             defaultPort,
		ListenLimit:      defaultListenLimit,
		PoolSizeInitial:  defaultPoolSizeInitial,
		PoolGrowth:       defaultPoolGrowth,
		ClientsPerWorker: defaultClientsPerWorker,
		CacheSize:        defaultCacheSize,
		DBDir:            store.DefaultDir,
		DBBuckets:        store.DefaultBuckets,
		DBSlotsPerFile:   store.DefaultSlotsPerFile,
		LogLevel:         "info",
		LogFormat:        logging.FormatText,
	}
}

// LoadConfig reads path over the defaults. A missing file is not an error.
func LoadConfig(path string, log *slog.Logger) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Info("config file not found, using defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := cfg.Parse(f, log); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse applies "KEY value" lines from r. Blank lines and lines starting
// with '#' are skipped; unknown keys are logged and ignored.
func (c *Config) Parse(r io.Reader, log *slog.Logger) error {
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return fmt.Errorf("line %d: want \"KEY value\", got %q", line, text)
		}
		if err := c.set(fields[0], fields[1], log); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}

func (c *Config) set(key, val string, log *slog.Logger) error {
	var err error
	switch key {
	case "LISTENING_PORT":
		c.Port, err = strconv.Atoi(val)
	case "SOCKET_LISTEN_N_LIMIT":
		c.ListenLimit, err = strconv.Atoi(val)
	case "THREAD_POOL_SIZE_INITIAL":
		c.PoolSizeInitial, err = strconv.Atoi(val)
	case "THREAD_POOL_GROWTH":
		c.PoolGrowth, err = strconv.Atoi(val)
	case "CLIENTS_PER_THREAD":
		c.ClientsPerWorker, err = strconv.Atoi(val)
	case "CACHE_SIZE":
		c.CacheSize, err = strconv.ParseInt(val, 10, 64)
	case "DB_DIR":
		c.DBDir = val
	case "DB_BUCKETS":
		c.DBBuckets, err = strconv.ParseUint(val, 10, 64)
	case "DB_SLOTS_PER_FILE":
		c.DBSlotsPerFile, err = strconv.ParseUint(val, 10, 64)
	case "ACCEPT_RATE":
		c.AcceptRate, err = strconv.ParseFloat(val, 64)
	case "IDLE_TIMEOUT":
		c.IdleTimeout, err = time.ParseDuration(val)
	case "METRICS_ADDR":
		c.MetricsAddr = val
	case "LOG_LEVEL":
		c.LogLevel = val
	case "LOG_FORMAT":
		c.LogFormat = val
	default:
		log.Warn("invalid server config parameter", "key", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Validate checks ranges.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ListenLimit < 1 {
		return fmt.Errorf("listen limit must be positive: %d", c.ListenLimit)
	}
	if c.PoolSizeInitial < 1 {
		return fmt.Errorf("initial pool size must be positive: %d", c.PoolSizeInitial)
	}
	if c.PoolGrowth < 1 {
		return fmt.Errorf("pool growth must be positive: %d", c.PoolGrowth)
	}
	if c.ClientsPerWorker < 1 {
		return fmt.Errorf("clients per worker must be positive: %d", c.ClientsPerWorker)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cache size must be positive: %d", c.CacheSize)
	}
	if c.DBDir == "" {
		return errors.New("db dir must not be empty")
	}
	if c.DBBuckets < 1 || c.DBSlotsPerFile < 1 {
		return fmt.Errorf("db geometry must be positive: buckets=%d slots=%d", c.DBBuckets, c.DBSlotsPerFile)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("accept rate must not be negative: %g", c.AcceptRate)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative: %s", c.IdleTimeout)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	return nil
}

// Address returns the listen address for Port on all interfaces.
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}
