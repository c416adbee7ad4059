package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// notifyTimeout bounds the whole hub round trip. Agent hooks run this
// inline, so a dead hub must not stall the agent.
const notifyTimeout = 5 * time.Second

// runNotify posts a completion notification to the hub. It is meant to
// be called from agent hooks on the execution servers:
//
//	telemux notify -type completed -project demo -tmux main \
//	    -question "..." -answer "..."
//
// Connection settings come from SERVER_ID, CENTRAL_HUB_ENDPOINT and
// SHARED_SECRET, each overridable by flag.
func runNotify(args []string) error {
	fs := flag.NewFlagSet("notify", flag.ExitOnError)
	endpoint := fs.String("endpoint", envOr("CENTRAL_HUB_ENDPOINT", "http://localhost:8080"), "hub base URL")
	serverID := fs.String("server", os.Getenv("SERVER_ID"), "server id this agent runs on")
	secret := fs.String("secret", os.Getenv("SHARED_SECRET"), "shared secret for the hub")
	kind := fs.String("type", "completed", "notification type: completed or waiting")
	project := fs.String("project", "", "project name")
	question := fs.String("question", "", "user question to include in the message")
	answer := fs.String("answer", "", "agent answer to include in the message")
	tmux := fs.String("tmux", "", "tmux session the agent runs in")
	_ = fs.Parse(args)

	if *serverID == "" {
		return fmt.Errorf("server id is required (-server or SERVER_ID)")
	}
	if *secret == "" {
		return fmt.Errorf("shared secret is required (-secret or SHARED_SECRET)")
	}
	if *project == "" {
		return fmt.Errorf("project is required (-project)")
	}

	payload := struct {
		ServerID string `json:"serverId"`
		Type     string `json:"type"`
		Project  string `json:"project"`
		Metadata struct {
			UserQuestion   string `json:"userQuestion,omitempty"`
			ClaudeResponse string `json:"claudeResponse,omitempty"`
			TmuxSession    string `json:"tmuxSession,omitempty"`
		} `json:"metadata"`
	}{
		ServerID: *serverID,
		Type:     *kind,
		Project:  *project,
	}
	payload.Metadata.UserQuestion = *question
	payload.Metadata.ClaudeResponse = *answer
	payload.Metadata.TmuxSession = *tmux

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	url := strings.TrimSuffix(*endpoint, "/") + "/notify"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shared-Secret", *secret)

	client := &http.Client{Timeout: notifyTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var result struct {
		Session struct {
			Identifier string `json:"identifier"`
			Token      string `json:"token"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Printf("notified hub: session %s (token %s)\n", result.Session.Identifier, result.Session.Token)
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
