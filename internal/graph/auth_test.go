package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func newTestAuth(t *testing.T, ts *httptest.Server) *Auth {
	t.Helper()
	a := NewAuth("client-1", "common")
	a.endpoint = oauth2.Endpoint{
		DeviceAuthURL: ts.URL + "/devicecode",
		TokenURL:      ts.URL + "/token",
	}
	a.httpClient = ts.Client()
	a.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return a
}

func TestGetTokens_SkipsRefreshWhenFresh(t *testing.T) {
	var calls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh"})
	}))
	defer ts.Close()

	a := newTestAuth(t, ts)
	tokens := &TokenSet{AccessToken: "old", RefreshToken: "r", Expires: time.Now().Add(time.Hour).Unix()}
	got, err := a.GetTokens(context.Background(), tokens)
	if err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	if got != tokens {
		t.Errorf("expected the identical record back, got %+v", got)
	}
	if n := atomic.LoadInt64(&calls); n != 0 {
		t.Errorf("expected zero network calls, got %d", n)
	}
}

func TestGetTokens_RefreshStampsAbsoluteExpiry(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token_type":    "Bearer",
			"scope":         "Chat.Read",
			"expires_in":    3600,
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"id_token":      "new-id",
		})
	}))
	defer ts.Close()

	a := newTestAuth(t, ts)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	got, err := a.GetTokens(context.Background(), &TokenSet{RefreshToken: "r", Expires: now.Unix() + 5})
	if err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	if got.Expires != now.Unix()+3600 {
		t.Errorf("Expires = %d, want %d (request time + expires_in)", got.Expires, now.Unix()+3600)
	}
	if got.AccessToken != "new-access" || got.RefreshToken != "new-refresh" {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestGetTokens_RefreshesInsideMargin(t *testing.T) {
	var calls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{"expires_in": 3600, "access_token": "new"})
	}))
	defer ts.Close()

	a := newTestAuth(t, ts)
	// Expires 5s out is inside the 10s margin.
	if _, err := a.GetTokens(context.Background(), &TokenSet{RefreshToken: "r", Expires: time.Now().Unix() + 5}); err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Errorf("expected one refresh call, got %d", n)
	}
}

func TestGetTokens_ProviderErrorAsData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "revoked"})
	}))
	defer ts.Close()

	a := newTestAuth(t, ts)
	_, err := a.GetTokens(context.Background(), &TokenSet{RefreshToken: "r", Expires: 0})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Code != "invalid_grant" || perr.Description != "revoked" {
		t.Errorf("unexpected error payload: %+v", perr)
	}
}

func TestLogIn_AppendsReservedScopesAndStampsExpires(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("scope"); got != "Chat.Read offline_access openid" {
			t.Errorf("scope = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-1",
			"user_code":        "ABCD1234",
			"verification_uri": "https://microsoft.com/devicelogin",
			"expires_in":       900,
			"interval":         5,
			"message":          "go log in",
		})
	}))
	defer ts.Close()

	a := newTestAuth(t, ts)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	session, err := a.LogIn(context.Background(), []string{"Chat.Read"})
	if err != nil {
		t.Fatalf("LogIn: %v", err)
	}
	if session.Expires != now.Unix()+900 {
		t.Errorf("Expires = %d, want %d", session.Expires, now.Unix()+900)
	}
	if session.DeviceCode != "dev-1" || session.Interval != 5 {
		t.Errorf("unexpected session: %+v", session)
	}
}

func TestLogIn_PanicsOnReservedScope(t *testing.T) {
	a := NewAuth("client-1", "common")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for reserved scope")
		}
	}()
	a.LogIn(context.Background(), []string{"openid"})
}

func TestPollLogIn_RetriesOnlyWhilePending(t *testing.T) {
	var polls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&polls, 1)
		if n < 3 {
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token_type":    "Bearer",
			"expires_in":    3600,
			"access_token":  "a",
			"refresh_token": "r",
			"id_token":      "i",
		})
	}))
	defer ts.Close()

	a := newTestAuth(t, ts)
	var sleeps int
	a.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if d != 5*time.Second {
			t.Errorf("sleep interval = %v, want 5s", d)
		}
		return nil
	}

	tokens, err := a.PollLogIn(context.Background(), &LoginSession{DeviceCode: "dev-1", Interval: 5})
	if err != nil {
		t.Fatalf("PollLogIn: %v", err)
	}
	if tokens.AccessToken != "a" {
		t.Errorf("unexpected tokens: %+v", tokens)
	}
	if sleeps != 2 {
		t.Errorf("slept %d times, want 2", sleeps)
	}
}

func TestPollLogIn_BadVerificationCodeIsFault(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "bad_verification_code"})
	}))
	defer ts.Close()

	a := newTestAuth(t, ts)
	_, err := a.PollLogIn(context.Background(), &LoginSession{DeviceCode: "dev-1", Interval: 1})
	var gerr *GraphError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GraphError for bad_verification_code, got %v", err)
	}
}

func TestPollLogIn_TerminalProviderError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "expired_token", "error_description": "flow expired"})
	}))
	defer ts.Close()

	a := newTestAuth(t, ts)
	_, err := a.PollLogIn(context.Background(), &LoginSession{DeviceCode: "dev-1", Interval: 1})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Code != "expired_token" {
		t.Errorf("code = %q", perr.Code)
	}
}

func TestPollLogIn_CancelledDuringWait(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
	}))
	defer ts.Close()

	a := newTestAuth(t, ts)
	a.sleep = sleepCtx
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.PollLogIn(ctx, &LoginSession{DeviceCode: "dev-1", Interval: 30}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
