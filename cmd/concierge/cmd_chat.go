package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cocovolare/concierge/internal/assistant"
	"github.com/cocovolare/concierge/internal/hub"
	"github.com/cocovolare/concierge/internal/stream"
	"github.com/cocovolare/concierge/pkg/assistants"
)

var (
	chatThreadID  string
	chatServerURL string
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatThreadID, "thread", "", "existing thread id (omit to start a new thread)")
	chatCmd.Flags().StringVar(&chatServerURL, "server", "", "stream the turn through a running daemon instead of calling the provider directly")
}

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Run one assistant turn from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")
		if chatServerURL != "" {
			return chatViaServer(chatServerURL, chatThreadID, message)
		}
		return chatDirect(chatThreadID, message)
	},
}

// chatDirect drives a turn against the provider with the same driver the
// daemon uses. Handy for smoke-testing an assistant id before deploying.
func chatDirect(threadID, message string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("no OpenAI API key configured")
	}
	if cfg.OpenAI.AssistantID == "" {
		return fmt.Errorf("no assistant id configured")
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	result, err := driver.RunTurn(ctx, threadID, message)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, result.Reply)
	fmt.Fprintf(os.Stderr, "thread: %s\n", result.ThreadID)
	return nil
}

// chatViaServer posts the turn to a running daemon's event-stream route and
// prints deltas as they arrive.
func chatViaServer(serverURL, threadID, message string) error {
	payload := map[string]string{"message": message}
	if threadID != "" {
		payload["threadId"] = threadID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := strings.TrimRight(serverURL, "/") + "/api/chat/cli/events"
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon answered %s", resp.Status)
	}

	var streamErr error
	err = stream.Read(resp.Body, stream.Callbacks{
		OnDelta: func(text string) {
			fmt.Fprint(os.Stdout, text)
		},
		OnFinal: func(final stream.Final) {
			fmt.Fprintln(os.Stdout)
		},
		OnError: func(payload any) {
			streamErr = fmt.Errorf("stream error: %v", payload)
		},
	})
	if err != nil {
		return err
	}
	return streamErr
}
