package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"FriendChat/global/config"
	"FriendChat/logger"
	chatmodel "FriendChat/module/chat/model"
	"FriendChat/service/app"
	"FriendChat/service/kafka"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "friendchat",
		Short:         "FriendChat gateway: accounts, friends and one-to-one chat over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (HTTP + WebSocket, optional gRPC health, NATS relay, Kafka sink)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			logger.Info("friendchat starting", zap.String("node", cfg.NodeID), zap.String("store", cfg.Store.Driver),
				zap.String("session", cfg.Session.Driver), zap.Bool("nats", cfg.NATS.Enabled), zap.Bool("kafka", cfg.Kafka.Enabled))
			return a.Run(ctx)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "events",
		Short: "Tail the message event topic and print each message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return kafka.Tail(ctx, cfg.Kafka, func(_ context.Context, m chatmodel.Message) error {
				_, err := fmt.Fprintf(out, "%s #%d %s: %s\n", m.ConversationID, m.Seq, m.SendID, m.Content)
				return err
			})
		},
	})
	return root
}

func loadConfig(path string) (*config.AppConfig, error) {
	l := &config.Loader{Path: path, Getenv: os.LookupEnv, Remote: app.RemoteConfig}
	cfg, err := l.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
