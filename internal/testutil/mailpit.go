package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// MailpitMessage is a message summary returned by the Mailpit API.
type MailpitMessage struct {
	ID      string `json:"ID"`
	Subject string `json:"Subject"`
	To      []struct {
		Address string `json:"Address"`
	} `json:"To"`
}

func (c *MailpitContainer) apiURL(path string) string {
	return fmt.Sprintf("http://%s:%d%s", c.APIHost, c.APIPort, path)
}

// MailpitMessages lists the messages Mailpit has received.
func (c *MailpitContainer) MailpitMessages(ctx context.Context) ([]MailpitMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("/api/v1/messages"), nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list mailpit messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list mailpit messages: status %d", resp.StatusCode)
	}

	var body struct {
		Messages []MailpitMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode mailpit messages: %w", err)
	}
	return body.Messages, nil
}

// DeleteMailpitMessages clears the inbox.
func (c *MailpitContainer) DeleteMailpitMessages(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.apiURL("/api/v1/messages"), nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("delete mailpit messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete mailpit messages: status %d", resp.StatusCode)
	}
	return nil
}
