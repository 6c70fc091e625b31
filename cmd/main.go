package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "swcache",
		Short:         "Offline caching proxy for the recipe application",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return readConfig(v, configFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to a YAML config file")
	flags.String("backend", defaultBackend, "storage backend: memory, sqlite, postgres or dynamodb")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	_ = v.BindPFlag(keyBackend, flags.Lookup("backend"))
	_ = v.BindPFlag(keyLogLevel, flags.Lookup("log-level"))

	root.AddCommand(newServeCmd(v), newPartitionsCmd(v))

	return root
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
