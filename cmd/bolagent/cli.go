package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/bolagent/pkg/agent"
	"github.com/dotsetgreg/bolagent/pkg/config"
	"github.com/dotsetgreg/bolagent/pkg/dispatch"
	"github.com/dotsetgreg/bolagent/pkg/docstore"
	"github.com/dotsetgreg/bolagent/pkg/logger"
	"github.com/dotsetgreg/bolagent/pkg/retention"
	"github.com/dotsetgreg/bolagent/pkg/session"
	"github.com/dotsetgreg/bolagent/pkg/telegram"
)

var version = "dev"

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".bolagent", "config.json")
}

func buildRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "bolagent",
		Short:         "Telegram webhook gateway for a session-aware agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")

	root.AddCommand(buildServeCommand(&configPath))
	root.AddCommand(buildChatCommand(&configPath))
	root.AddCommand(buildStatusCommand(&configPath))
	root.AddCommand(buildVersionCommand())
	return root
}

func loadRuntime(configPath string) (*config.Config, *docstore.SQLiteStore, *session.Service, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger.Setup(cfg.Logging.Debug, cfg.Logging.Pretty)

	store, err := docstore.OpenSQLite(cfg.StorePath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session store: %w", err)
	}
	return cfg, store, session.NewService(store), nil
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		App:           cfg.App.Name,
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		InvokeTimeout: cfg.InvokeTimeout(),
		GateWait:      cfg.GateWait(),
		MessageLimit:  cfg.Dispatch.MessageLimit,
		HistorySize:   cfg.Dispatch.HistorySize,
		HistoryEvents: cfg.Dispatch.HistoryEvents,
	}
}

func buildServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, sessions, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()
			log := logger.For("serve")

			if cfg.Telegram.Token == "" {
				return errors.New("telegram token is not configured")
			}

			client := telegram.NewClient(cfg.Telegram.APIBase, cfg.Telegram.Token)
			invoker := agent.NewHTTPInvoker(cfg.Agent.APIBase, cfg.Agent.APIKey, cfg.Agent.Model)

			// Lazy init: the first delivery probes the bot token before the
			// dispatcher reports ready.
			initFn := func(ctx context.Context) error {
				me, err := client.GetMe(ctx)
				if err != nil {
					return err
				}
				log.Info().Str("bot", me.Username).Msg("telegram token verified")
				return nil
			}

			dispatcher, err := dispatch.New(dispatchConfig(cfg), sessions, invoker, client, initFn)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Retention.Enabled {
				sweeper, err := retention.NewSweeper(store, sessions, cfg.Retention.Schedule, cfg.RetentionIdle())
				if err != nil {
					return err
				}
				go sweeper.Run(ctx)
			}

			server := telegram.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, dispatcher, cfg.Agent.Model)
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

// stdoutSender prints replies to the terminal for the local chat loop.
type stdoutSender struct{}

func (stdoutSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	fmt.Println(text)
	return nil
}

func (stdoutSender) SendTyping(ctx context.Context, chatID int64) error { return nil }

func buildChatCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent locally through the same dispatch pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, sessions, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var invoker agent.Invoker
			if cfg.Agent.APIKey != "" {
				invoker = agent.NewHTTPInvoker(cfg.Agent.APIBase, cfg.Agent.APIKey, cfg.Agent.Model)
			} else {
				fmt.Println("no agent api key configured, replies echo your input")
				invoker = &agent.ScriptedInvoker{}
			}

			dispatcher, err := dispatch.New(dispatchConfig(cfg), sessions, invoker, stdoutSender{}, nil)
			if err != nil {
				return err
			}

			rl, err := readline.New("you> ")
			if err != nil {
				return fmt.Errorf("open readline: %w", err)
			}
			defer rl.Close()

			fmt.Println("local chat, /help for commands, ctrl-d to quit")
			updateID := int64(0)
			for {
				line, err := rl.Readline()
				if err == readline.ErrInterrupt {
					continue
				}
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if strings.TrimSpace(line) == "" {
					continue
				}

				updateID++
				dispatcher.HandleDelivery(cmd.Context(), dispatch.Delivery{
					UpdateID: updateID,
					ChatID:   1,
					UserID:   "local",
					Text:     line,
				})
			}
		},
	}
}

func buildStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running gateway's webhook status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}

			host := cfg.Gateway.Host
			if host == "0.0.0.0" || host == "" {
				host = "127.0.0.1"
			}
			url := fmt.Sprintf("http://%s:%d/telegram/webhook-status", host, cfg.Gateway.Port)

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("gateway unreachable: %w", err)
			}
			defer resp.Body.Close()

			var status map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			fmt.Println("webhook:", status["state"], "agent:", status["agent"])
			return nil
		},
	}
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("bolagent", version)
		},
	}
}
