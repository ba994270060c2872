package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// Gateway delivers a short text message to a phone number.
type Gateway interface {
	Send(ctx context.Context, mobile string, text string) error
}

type HTTPGateway struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPGateway(url string, token string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPGateway{url: url, token: token, client: client}
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (g *HTTPGateway) Send(ctx context.Context, mobile string, text string) error {
	payload, err := json.Marshal(sendRequest{To: mobile, Message: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms gateway: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogGateway only logs the recipient. It is used when no gateway URL is
// configured; the message body is never logged.
type LogGateway struct{}

func (LogGateway) Send(_ context.Context, mobile string, _ string) error {
	zlog.Info().Str("mobile", mobile).Msg("messaging: gateway not configured, message dropped")
	return nil
}
