package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConnectionLifecycleUpdatesGauges(t *testing.T) {
	m := New()

	m.ConnectionAccepted()
	m.ConnectionAccepted()
	m.ConnectionRejected("invalid_token")
	m.ConnectionClosed(2 * time.Second)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected /metrics to return 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "gateway_connections_total") {
		t.Error("expected gateway_connections_total in scrape output")
	}
	if !strings.Contains(body, "gateway_connections_rejected_total") {
		t.Error("expected gateway_connections_rejected_total in scrape output")
	}
}

func TestAlertAndNotificationCounters(t *testing.T) {
	m := New()

	m.AlertOpened("price_change")
	m.AlertClosed("price_change")
	m.NotificationSent("webhook")
	m.NotificationFailed("web_push")
	m.SetSubscriptions(10, 4)
	m.CronRun("success", 50*time.Millisecond, 3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()

	for _, name := range []string{
		"gateway_alerts_opened_total",
		"gateway_alerts_closed_total",
		"gateway_notifications_sent_total",
		"gateway_notifications_failed_total",
		"gateway_subscriptions_active",
		"gateway_cron_runs_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in scrape output", name)
		}
	}
}

func TestUptimeIsPositive(t *testing.T) {
	m := New()
	time.Sleep(time.Millisecond)
	if m.Uptime() <= 0 {
		t.Error("expected positive uptime")
	}
}
