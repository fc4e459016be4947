package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"
)

var (
	sendChannel string
	sendChatID  string
	sendMessage string
	sendAPIURL  string
	sendAPIKey  string
	sendTimeout int
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message through a running relay",
	Long: `Post a message to a running relay's admin API. The relay delivers it to
the named channel and chat like any agent reply.

Examples:
  relay send --channel discord --chat 1234567890 -m "deploy finished"
  RELAY_API_KEY=secret relay send --channel telegram --chat 42 -m "hello"`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendChannel, "channel", "", "target channel (discord, telegram, qq, whatsapp)")
	sendCmd.Flags().StringVar(&sendChatID, "chat", "", "target chat id")
	sendCmd.Flags().StringVarP(&sendMessage, "message", "m", "", "message text")
	sendCmd.Flags().StringVar(&sendAPIURL, "api-url", "http://localhost:8080", "admin API URL (or RELAY_API_URL env)")
	sendCmd.Flags().StringVar(&sendAPIKey, "api-key", "", "admin API key (or RELAY_API_KEY env)")
	sendCmd.Flags().IntVar(&sendTimeout, "timeout", 30, "timeout in seconds")

	_ = sendCmd.MarkFlagRequired("channel")
	_ = sendCmd.MarkFlagRequired("chat")
	_ = sendCmd.MarkFlagRequired("message")
}

func runSend(cmd *cobra.Command, _ []string) error {
	apiKey := goutils.Env("RELAY_API_KEY", sendAPIKey)
	if apiKey == "" {
		return fmt.Errorf("API key required (use --api-key or set RELAY_API_KEY)")
	}
	apiURL := strings.TrimRight(goutils.Env("RELAY_API_URL", sendAPIURL), "/")

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(sendTimeout)*time.Second)
	defer cancel()

	return postMessage(ctx, http.DefaultClient, apiURL, apiKey, sendRequest{
		Channel: sendChannel,
		ChatID:  sendChatID,
		Content: sendMessage,
	}, cmd.OutOrStdout())
}

type sendRequest struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// postMessage calls POST /v1/messages and reports the outcome on out.
func postMessage(ctx context.Context, hc *http.Client, apiURL, apiKey string, body sendRequest, out io.Writer) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach relay at %s: %w", apiURL, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		fmt.Fprintf(out, "queued for %s:%s\n", body.Channel, body.ChatID)
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("unauthorized (check API key)")
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited, try again later")
	default:
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}
