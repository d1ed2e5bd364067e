package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/silversage/guard/config"
)

// Version is overridden at build time with -ldflags "-X ...cmd.Version=".
var Version = "dev"

var (
	cfgFile  string
	envFiles []string
)

var rootCmd = &cobra.Command{
	Use:   "guard",
	Short: "Guard is an authentication and account-security service",
	Long: `Guard verifies passwords, enforces lockout and rate limits, runs
second-factor challenges and keeps an audit trail of every security event.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files read before GUARD_* variables")
}

// loadConfig layers defaults, the config file, dotenv files, the
// environment and finally any flags set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, fmt.Errorf("loading env files: %w", err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var (
	storageBackend string
	dataDir        string
	postgresDSN    string
)

func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&storageBackend, "storage", config.BackendBolt, "Storage backend: memory, bbolt or postgres")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for the bbolt database")
	cmd.Flags().StringVar(&postgresDSN, "dsn", "", "Postgres connection string")
}

// flagOverrides maps command flags onto config fields. A flag only wins
// when it was set explicitly.
var flagOverrides = map[string]func(*config.Config){
	"storage":   func(c *config.Config) { c.Storage.Backend = storageBackend },
	"data-dir":  func(c *config.Config) { c.Storage.DataDir = dataDir },
	"dsn":       func(c *config.Config) { c.Storage.DSN = postgresDSN },
	"addr":      func(c *config.Config) { c.Server.Addr = listenAddr },
	"tls-cert":  func(c *config.Config) { c.Server.TLSCert = tlsCert },
	"tls-key":   func(c *config.Config) { c.Server.TLSKey = tlsKey },
	"log-level": func(c *config.Config) { c.Log.Level = logLevel },
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	for name, set := range flagOverrides {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			set(cfg)
		}
	}
}
