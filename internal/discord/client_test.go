package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/555/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bot token-1" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["content"] != "hello" {
			t.Errorf("content = %q", body["content"])
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("token-1")
	c.APIBase = srv.URL
	c.HTTPClient = srv.Client()
	if err := c.Send(context.Background(), 555, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSend_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Unknown Channel", "code": 10003}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("token-1")
	c.APIBase = srv.URL
	c.HTTPClient = srv.Client()
	err := c.Send(context.Background(), 555, "hello")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.Status != http.StatusNotFound {
		t.Errorf("Status = %d", se.Status)
	}
}
