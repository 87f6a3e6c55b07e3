// Package discord resolves message links into media attachment URLs via the
// Discord REST API.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "clippost/pkg/logx"
)

const defaultAPIBase = "https://discord.com/api/v10"

type ClientConfig struct {
	// BotToken authenticates as "Bot <token>".
	BotToken string

	// APIBase overrides the Discord API base URL (tests point this at httptest).
	APIBase string

	RequestTimeout time.Duration
	RatePerSec     int
}

// Attachment is the subset of the Discord attachment object we consume.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type messageBody struct {
	Attachments []Attachment `json:"attachments"`
}

type Client struct {
	http    *http.Client
	base    string
	token   string
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = defaultAPIBase
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		base:    base,
		token:   strings.TrimSpace(cfg.BotToken),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

// Ready reports whether the client has a credential. Job creation calls this
// so a missing token is rejected synchronously instead of failing every item.
func (c *Client) Ready() error {
	if c == nil || c.token == "" {
		return errors.New("discord bot token not configured")
	}
	return nil
}

// messageAttachments fetches the attachment list for one message.
func (c *Client) messageAttachments(ctx context.Context, channelID, messageID string) ([]Attachment, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/channels/%s/messages/%s", c.base, channelID, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var msg messageBody
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return msg.Attachments, nil
}
