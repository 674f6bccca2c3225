package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
)

const webhookTimeout = 5 * time.Second

// WebhookSender dispatches the outbound webhook contract in spec.md §6,
// detecting the channel by URL substring.
type WebhookSender struct {
	httpClient *http.Client
}

// NewWebhookSender builds a sender with a bounded per-request timeout.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{httpClient: &http.Client{Timeout: webhookTimeout}}
}

// AlertPayload is the data shared across all three webhook shapes.
type AlertPayload struct {
	AlertType   rules.Kind
	StockCode   string
	StockName   string
	TriggerData map[string]interface{}
	Timestamp   time.Time
	Message     string
}

// Send dispatches payload to url, returning nil only when the channel's
// success predicate is met (spec.md §6, §7).
func (w *WebhookSender) Send(ctx context.Context, url string, payload AlertPayload) error {
	switch {
	case strings.Contains(url, "qyapi.weixin.qq.com"):
		return w.sendBotStyle(ctx, url, payload)
	case strings.Contains(url, "oapi.dingtalk.com"):
		return w.sendBotStyle(ctx, url, payload)
	default:
		return w.sendGeneric(ctx, url, payload)
	}
}

// sendBotStyle implements the WeCom/DingTalk shape: both post
// {msgtype:"text", text:{content}} and both consider success to be
// response JSON errcode == 0.
func (w *WebhookSender) sendBotStyle(ctx context.Context, url string, payload AlertPayload) error {
	body := struct {
		MsgType string `json:"msgtype"`
		Text    struct {
			Content string `json:"content"`
		} `json:"text"`
	}{MsgType: "text"}
	body.Text.Content = payload.Message

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal bot webhook body: %w", err)
	}

	resp, err := w.post(ctx, url, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int `json:"errcode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode bot webhook response: %w", err)
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("bot webhook returned errcode=%d", result.ErrCode)
	}
	return nil
}

// sendGeneric implements the fallback shape: success is any 2xx status.
func (w *WebhookSender) sendGeneric(ctx context.Context, url string, payload AlertPayload) error {
	body := struct {
		AlertType   rules.Kind             `json:"alertType"`
		StockCode   string                 `json:"stockCode"`
		StockName   string                 `json:"stockName"`
		TriggerData map[string]interface{} `json:"triggerData"`
		Timestamp   string                 `json:"timestamp"`
		Message     string                 `json:"message"`
	}{
		AlertType:   payload.AlertType,
		StockCode:   payload.StockCode,
		StockName:   payload.StockName,
		TriggerData: payload.TriggerData,
		Timestamp:   payload.Timestamp.Format(time.RFC3339),
		Message:     payload.Message,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal generic webhook body: %w", err)
	}

	resp, err := w.post(ctx, url, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("generic webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookSender) post(ctx context.Context, url string, data []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send webhook: %w", err)
	}
	return resp, nil
}
