package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNotifyWebhook(t *testing.T) {
	var got Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer server.Close()

	n := &Notifier{WebhookURL: server.URL}
	n.Notify(context.Background(), Event{TargetID: "123", Channel: "testchannel", Kind: "fatal_error", Message: "too many corrupt segments"})
	if got.TargetID != "123" || got.Kind != "fatal_error" {
		t.Errorf("webhook received %+v", got)
	}
	if got.At.IsZero() {
		t.Errorf("timestamp not defaulted")
	}
}

func TestNotifySinkFailureDoesNotPanic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	// Failures are swallowed; the call must simply return.
	n := &Notifier{WebhookURL: server.URL}
	n.Notify(context.Background(), Event{TargetID: "123", Kind: "fatal_error"})
}

func TestNotifyNoSinks(t *testing.T) {
	(&Notifier{}).Notify(context.Background(), Event{TargetID: "123"})
}
