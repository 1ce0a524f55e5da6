package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "agentpool",
	Short: "Manage a pool of agent subprocess sessions",
	Long: `agentpool spawns and supervises agent subprocesses, buffers their
output for non-destructive reads, and exposes the pool as MCP tools
over stdio for an orchestrating agent to drive.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./agentpool.yaml, ~/.config/agentpool/config.yaml)")
	rootCmd.PersistentFlags().String("program", "claude",
		"agent executable spawned for every session")
	rootCmd.PersistentFlags().Int("max-sessions", 10,
		"maximum concurrently live sessions")
	rootCmd.PersistentFlags().String("log-level", "info",
		"log level: debug, info, warn, error")

	_ = viper.BindPFlag("program", rootCmd.PersistentFlags().Lookup("program"))
	_ = viper.BindPFlag("max_sessions", rootCmd.PersistentFlags().Lookup("max-sessions"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	viper.SetDefault("program", "claude")
	viper.SetDefault("max_sessions", 10)
	viper.SetDefault("retention", time.Minute)
	viper.SetDefault("io_timeout", 30*time.Second)
	viper.SetDefault("grace_window", 5*time.Second)
	viper.SetDefault("buffer_capacity", 1000)
	viper.SetDefault("buffer_max_bytes", 1<<20)
	viper.SetDefault("default_max_turns", 50)
	viper.SetDefault("log_level", "info")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")

		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.config/agentpool")
		}

		viper.SetConfigName("agentpool")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AGENTPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults and environment carry the configuration when no file
		// exists.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			cobra.CheckErr(err)
		}
	}
}

// newLogger builds the process logger on stderr; stdout belongs to the MCP
// transport.
func newLogger() *slog.Logger {
	var level slog.Level

	switch strings.ToLower(viper.GetString("log_level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
