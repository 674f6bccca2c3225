package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
)

func TestSendWeComSuccessOnZeroErrCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["msgtype"] != "text" {
			t.Errorf("expected msgtype=text, got %v", body["msgtype"])
		}
		json.NewEncoder(w).Encode(map[string]int{"errcode": 0})
	}))
	defer srv.Close()

	sender := NewWebhookSender()
	err := sender.Send(context.Background(), srv.URL+"/qyapi.weixin.qq.com/webhook", AlertPayload{
		AlertType: rules.KindLimitUp, StockCode: "600519.SH", Message: "hi",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestSendWeComFailureOnNonZeroErrCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"errcode": 93000})
	}))
	defer srv.Close()

	sender := NewWebhookSender()
	err := sender.Send(context.Background(), srv.URL+"/qyapi.weixin.qq.com/webhook", AlertPayload{})
	if err == nil {
		t.Fatal("expected error on non-zero errcode")
	}
}

func TestSendGenericSuccessOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %q", r.Header.Get("Content-Type"))
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewWebhookSender()
	err := sender.Send(context.Background(), srv.URL, AlertPayload{AlertType: rules.KindPriceBreakout})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestSendGenericFailureOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewWebhookSender()
	err := sender.Send(context.Background(), srv.URL, AlertPayload{})
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
}
