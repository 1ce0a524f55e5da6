package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wagiedev/agentpool-go"
	"github.com/wagiedev/agentpool-go/internal/toolserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pool as MCP tools on stdio",
	Long: `Start a session pool and serve it as MCP tools on standard input and
output. The connected client can spawn agent sessions, send prompts,
read buffered output, list sessions, and terminate them.

Example:
  agentpool serve --program claude --max-sessions 4`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringSlice("program-args", nil,
		"arguments prepended to every session's argument list")
	serveCmd.Flags().StringSlice("env-allowlist", nil,
		"inherited environment variables passed to sessions (default: all not denied)")

	_ = viper.BindPFlag("program_args", serveCmd.Flags().Lookup("program-args"))
	_ = viper.BindPFlag("env_allowlist", serveCmd.Flags().Lookup("env-allowlist"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	log := newLogger()

	pool, err := agentpool.New(
		agentpool.WithLogger(log),
		agentpool.WithProgram(viper.GetString("program")),
		agentpool.WithProgramArgs(viper.GetStringSlice("program_args")...),
		agentpool.WithMaxSessions(viper.GetInt("max_sessions")),
		agentpool.WithRetention(viper.GetDuration("retention")),
		agentpool.WithIOTimeout(viper.GetDuration("io_timeout")),
		agentpool.WithGraceWindow(viper.GetDuration("grace_window")),
		agentpool.WithBufferCapacity(viper.GetInt("buffer_capacity")),
		agentpool.WithBufferMaxBytes(viper.GetInt64("buffer_max_bytes")),
		agentpool.WithDefaultMaxTurns(viper.GetInt("default_max_turns")),
		agentpool.WithWorkingDir(viper.GetString("working_dir")),
		agentpool.WithEnvAllowlist(viper.GetStringSlice("env_allowlist")...),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := toolserver.New(log, pool)

	err = srv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if closeErr := pool.Close(closeCtx); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}
