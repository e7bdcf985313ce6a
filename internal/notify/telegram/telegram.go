// Package telegram sends chat notifications through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// ErrNoToken is returned when a message is sent without a bot token.
var ErrNoToken = errors.New("telegram bot token not set")

// Client posts sendMessage requests. The bot token is passed per call since
// it is part of the per-delivery settings snapshot.
type Client struct {
	apiURL     string
	httpClient *http.Client
}

// New creates a Client. An empty apiURL selects DefaultAPIURL and a nil
// httpClient a client with a 30s timeout.
func New(apiURL string, httpClient *http.Client) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: httpClient,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	ParseMode string `json:"parse_mode"`
	Text      string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage delivers text, formatted as HTML, to one chat. Any non-2xx
// response is an error. The token never appears in returned errors.
func (c *Client) SendMessage(ctx context.Context, token, chatID, text string) error {
	if token == "" {
		return ErrNoToken
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    chatID,
		ParseMode: "HTML",
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	endpoint := c.apiURL + "/bot" + token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return sanitize(fmt.Errorf("failed to create request: %w", err), token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sanitize(fmt.Errorf("sendMessage request failed: %w", err), token)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ar apiResponse
		desc := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &ar) == nil && ar.Description != "" {
			desc = ar.Description
		}
		return &APIError{StatusCode: resp.StatusCode, Description: desc}
	}
	return nil
}

// APIError is a non-2xx answer from the Bot API.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram API error (HTTP %d): %s", e.StatusCode, e.Description)
}

// sanitizedError replaces the bot token in the message of the wrapped error.
// Transport errors embed the request URL, and with it the token.
type sanitizedError struct {
	msg string
	err error
}

func (e *sanitizedError) Error() string { return e.msg }
func (e *sanitizedError) Unwrap() error { return e.err }

func sanitize(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	return &sanitizedError{msg: MaskToken(err.Error(), token), err: err}
}

// MaskToken replaces every occurrence of token in s with ***.
func MaskToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
