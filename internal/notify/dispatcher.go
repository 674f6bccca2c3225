// Package notify implements the Notification Dispatcher (spec.md §4.6):
// given an opened alert, persist an AlertRecord, then fan it out over the
// user's configured webhook and Web Push channels. Dispatch applies no dedup
// or cooldown of its own: the only cooldown is the per-session one in
// session.ProcessQuote, which filters live-tick alerts before they get here;
// alerts opened by the cron replay path are dispatched without a cooldown.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/storage"
)

// OpenedAlert is the input to Dispatch: one rule transitioning to OPEN for
// one (user, stock).
type OpenedAlert struct {
	UserID      string
	TSCode      string
	StockName   string
	RuleID      string
	RuleType    rules.Kind
	TriggerData map[string]interface{}
	TriggerTime time.Time
}

// Dispatcher wires AlertRecords + NotificationSettingsStore + the two
// outbound channels per spec.md §4.6.
type Dispatcher struct {
	alerts   storage.AlertRecords
	settings storage.NotificationSettingsStore
	webhook  *WebhookSender
	push     *WebPushSender
	logger   zerolog.Logger
}

// New builds a Dispatcher. push may be nil when no VAPID identity is configured.
func New(alerts storage.AlertRecords, settings storage.NotificationSettingsStore, webhook *WebhookSender, push *WebPushSender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		alerts:   alerts,
		settings: settings,
		webhook:  webhook,
		push:     push,
		logger:   logger.With().Str("component", "notification_dispatcher").Logger(),
	}
}

// Dispatch runs the full C6 sequence for one opened alert. Persistence and
// channel failures are logged, never returned, matching spec.md §7's
// propagation rule that C6 failures must not block the caller's state
// machine from advancing.
func (d *Dispatcher) Dispatch(ctx context.Context, alert OpenedAlert) {
	recID, err := d.alerts.Insert(ctx, storage.AlertRecord{
		UserID:      alert.UserID,
		TSCode:      alert.TSCode,
		RuleID:      &alert.RuleID,
		AlertType:   alert.RuleType,
		TriggerTime: alert.TriggerTime,
		TriggerData: alert.TriggerData,
		Notified:    false,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("user_id", alert.UserID).Str("ts_code", alert.TSCode).Msg("failed to persist alert record")
		return
	}

	settings, err := d.settings.Get(ctx, alert.UserID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.Error().Err(err).Str("user_id", alert.UserID).Msg("failed to load notification settings")
		}
		return // absent settings => all channels disabled, per spec.md §4.6 step 2
	}

	var anySucceeded bool

	if settings.WebhookEnabled && settings.WebhookURL != "" {
		if err := d.dispatchWebhook(ctx, settings.WebhookURL, alert); err != nil {
			d.logger.Warn().Err(err).Str("user_id", alert.UserID).Msg("webhook dispatch failed")
		} else {
			anySucceeded = true
		}
	}

	if settings.BrowserPushEnabled && settings.PushSubscription != nil && d.push != nil {
		if err := d.dispatchPush(ctx, alert.UserID, *settings.PushSubscription, alert); err != nil {
			if errors.Is(err, ErrSubscriptionGone) {
				if invalidateErr := d.settings.InvalidatePushSubscription(ctx, alert.UserID); invalidateErr != nil {
					d.logger.Error().Err(invalidateErr).Str("user_id", alert.UserID).Msg("failed to invalidate expired push subscription")
				}
			} else {
				d.logger.Warn().Err(err).Str("user_id", alert.UserID).Msg("web push dispatch failed")
			}
		} else {
			anySucceeded = true
		}
	}

	if anySucceeded {
		if err := d.alerts.MarkNotified(ctx, recID); err != nil {
			d.logger.Error().Err(err).Str("alert_id", recID).Msg("failed to mark alert notified")
		}
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, url string, alert OpenedAlert) error {
	return d.webhook.Send(ctx, url, AlertPayload{
		AlertType:   alert.RuleType,
		StockCode:   alert.TSCode,
		StockName:   alert.StockName,
		TriggerData: alert.TriggerData,
		Timestamp:   alert.TriggerTime,
		Message:     formatAlertMessage(alert),
	})
}

func (d *Dispatcher) dispatchPush(ctx context.Context, userID string, sub storage.PushSubscription, alert OpenedAlert) error {
	return d.push.Send(ctx, Subscription{
		Endpoint: sub.Endpoint,
		P256dh:   sub.P256dh,
		Auth:     sub.Auth,
	}, PushMessage{
		Title:              fmt.Sprintf("%s alert", alert.StockName),
		Body:               formatAlertMessage(alert),
		Tag:                fmt.Sprintf("%s:%s", alert.TSCode, alert.RuleType),
		RequireInteraction: true,
		Data: map[string]interface{}{
			"alertType":   alert.RuleType,
			"stockCode":   alert.TSCode,
			"stockName":   alert.StockName,
			"triggerData": alert.TriggerData,
		},
	})
}

func formatAlertMessage(alert OpenedAlert) string {
	return fmt.Sprintf("%s triggered %s", alert.StockName, alert.RuleType)
}
