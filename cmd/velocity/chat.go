package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/velocity/internal/config"
	"github.com/jkaninda/velocity/internal/gateway/cli"
)

var (
	chatConfigPath string
	chatSessionID  string
	chatThinking   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with an agent session from the terminal",
	Long: `Start an in-process session pool and talk to it from the terminal.
Pass --session to resume a session whose history is in the configured store.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "resume an existing session id")
	chatCmd.Flags().BoolVar(&chatThinking, "thinking", false, "show the model's reasoning as it streams")
}

func runChat(_ *cobra.Command, _ []string) error {
	// Keep the terminal for the conversation; only warnings reach stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := loadConfig(chatConfigPath)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopBackground, err := startBackground(ctx, sc)
	if err != nil {
		return err
	}
	defer stopBackground()

	gw := cli.NewGateway(sc.Pool, os.Stdin, os.Stdout, logger).
		WithSessionID(chatSessionID).
		WithThinking(chatThinking)
	return gw.Start(ctx)
}
