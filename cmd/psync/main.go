// Command psync is the CLI for the pocketsync offline-first record cache.
//
// It operates on a local cache database and an optional remote server:
// records can be listed, read, and created while offline, and pending
// changes are drained with `psync sync` once the server is reachable.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pocketsync/pocketsync"
)

// projectConfig is the optional pocketsync.toml at the working directory
// root. Flags and PSYNC_* environment variables override it.
type projectConfig struct {
	BaseURL        string `toml:"base_url"`
	DBPath         string `toml:"db_path"`
	RequestPolicy  string `toml:"request_policy"`
	CacheTTLDays   int    `toml:"cache_ttl_days"`
	SchemaSnapshot string `toml:"schema_snapshot"`
}

var rootCmd = &cobra.Command{
	Use:   "psync",
	Short: "Offline-first record cache for a remote backend",
	Long: `psync mirrors collections of a remote record backend into a local
SQLite cache. Reads and writes work offline; pending changes replay to the
server when connectivity returns.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("base-url", "", "remote server URL")
	flags.String("db", ".pocketsync/cache.db", "cache database path")
	flags.String("policy", "cacheAndNetwork", "default request policy")
	flags.String("schema", "", "collection schema snapshot file")
	flags.Int("cache-ttl-days", 0, "TTL in days for synced cache rows (0 = keep forever)")

	viper.SetEnvPrefix("PSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"base-url", "db", "policy", "schema", "cache-ttl-days"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding flag %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	loadProjectConfig()
}

// loadProjectConfig seeds viper defaults from pocketsync.toml when present.
func loadProjectConfig() {
	data, err := os.ReadFile("pocketsync.toml")
	if err != nil {
		return
	}
	var cfg projectConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring malformed pocketsync.toml: %v\n", err)
		return
	}
	if cfg.BaseURL != "" {
		viper.SetDefault("base-url", cfg.BaseURL)
	}
	if cfg.DBPath != "" {
		viper.SetDefault("db", cfg.DBPath)
	}
	if cfg.RequestPolicy != "" {
		viper.SetDefault("policy", cfg.RequestPolicy)
	}
	if cfg.CacheTTLDays > 0 {
		viper.SetDefault("cache-ttl-days", cfg.CacheTTLDays)
	}
	if cfg.SchemaSnapshot != "" {
		viper.SetDefault("schema", cfg.SchemaSnapshot)
	}
}

// newLogger writes rotated logs next to the cache database.
func newLogger() *log.Logger {
	dbPath := viper.GetString("db")
	logPath := filepath.Join(filepath.Dir(dbPath), "psync.log")
	writer := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	return log.New(writer, "", log.LstdFlags)
}

// newClient builds a client from the resolved configuration.
func newClient() (*pocketsync.Client, error) {
	policy, err := pocketsync.ParsePolicy(viper.GetString("policy"))
	if err != nil {
		return nil, err
	}

	cfg := pocketsync.Config{
		BaseURL:        viper.GetString("base-url"),
		DBPath:         viper.GetString("db"),
		RequestPolicy:  policy,
		SchemaSnapshot: viper.GetString("schema"),
		Logger:         newLogger(),
	}
	if days := viper.GetInt("cache-ttl-days"); days > 0 {
		ttl := time.Duration(days) * 24 * time.Hour
		cfg.CacheTTL = &ttl
	}
	return pocketsync.New(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
