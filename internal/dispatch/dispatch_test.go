package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDispatchPostsPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/dispatch" {
			t.Errorf("request = %s %s, want POST /dispatch", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(time.Second)
	ack, err := c.Dispatch(context.Background(), strings.TrimPrefix(srv.URL, "http://"), Payload{
		SessionID: "B1-1",
		BuildID:   "B1",
		Job:       "unit",
		Labels:    []string{"linux"},
		Env:       map[string]string{"CI": "1"},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if string(ack) != `{"ok":true}` {
		t.Errorf("ack = %s, want {\"ok\":true}", ack)
	}
	if got.SessionID != "B1-1" || got.Job != "unit" || got.Env["CI"] != "1" {
		t.Errorf("agent received %+v", got)
	}
}

func TestDispatchNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(time.Second).Dispatch(context.Background(), strings.TrimPrefix(srv.URL, "http://"), Payload{SessionID: "B1-1"})
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("Dispatch() error = %v, want *Error", err)
	}
	if de.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", de.StatusCode)
	}
	if de.Body != "busy" {
		t.Errorf("Body = %q, want busy", de.Body)
	}
}

func TestDispatchNonJSONAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fine"))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(time.Second).Dispatch(context.Background(), strings.TrimPrefix(srv.URL, "http://"), Payload{})
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("Dispatch() error = %v, want *Error", err)
	}
}

func TestDispatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	_, err := NewHTTPClient(time.Second).Dispatch(context.Background(), addr, Payload{})
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("Dispatch() error = %v, want *Error", err)
	}
	if de.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for a connection failure", de.StatusCode)
	}
}
