package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cocovolare/concierge/internal/assistant"
	"github.com/cocovolare/concierge/internal/hub"
	"github.com/cocovolare/concierge/internal/lock"
	"github.com/cocovolare/concierge/internal/notify"
	"github.com/cocovolare/concierge/internal/server"
	"github.com/cocovolare/concierge/pkg/assistants"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the concierge daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "concierge.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if cfg.OpenAI.APIKey == "" {
		slog.Warn("no OpenAI API key configured; chat endpoints will fail")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ai := assistants.New(&assistants.Config{
		BaseURL: cfg.OpenAI.BaseURL,
		APIKey:  cfg.OpenAI.APIKey,
	})
	bridge := hub.New(&hub.Config{
		BaseURL:  cfg.Hub.BaseURL,
		KommoURL: cfg.Hub.KommoURL,
		BrainURL: cfg.Hub.BrainURL,
		Secret:   cfg.Hub.Secret,
	})
	driver := assistant.New(ai, bridge, cfg.OpenAI.AssistantID)

	lockOpts := []lock.Option{}
	if cfg.LockTTLSecs > 0 {
		lockOpts = append(lockOpts, lock.WithTTL(time.Duration(cfg.LockTTLSecs)*time.Second))
	}
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		lockOpts = append(lockOpts, lock.WithRedis(redis.NewClient(redisOpts)))
		slog.Info("shared lock store enabled")
	}
	locker := lock.New(lockOpts...)

	var notifier *notify.Notifier
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		notifier, err = notify.New(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			slog.Error("operator notifications unavailable", "error", err)
		} else {
			slog.Info("operator notifications enabled")
		}
	}

	srv := server.NewServer(cfg, ai, driver, bridge, locker, notifier)
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("concierge started",
			"listen_addr", cfg.ListenAddr,
			"data_dir", cfg.DataDir,
			"log_level", cfg.LogLevel,
			"assistant_id", cfg.OpenAI.AssistantID,
			"hub_configured", bridge.Configured(),
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-sigChan:
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
