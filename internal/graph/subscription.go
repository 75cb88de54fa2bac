package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultGraphBaseURL is the Microsoft Graph API root.
const DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// Subscription mirrors a Graph change-notification subscription resource.
// Failed calls come back with Error set instead of the resource fields; a
// response with neither an id nor an error is malformed and callers must not
// treat it as success.
type Subscription struct {
	ID                       string    `json:"id,omitempty"`
	Resource                 string    `json:"resource,omitempty"`
	ApplicationID            string    `json:"applicationId,omitempty"`
	ChangeType               string    `json:"changeType,omitempty"`
	ClientState              string    `json:"clientState,omitempty"`
	NotificationURL          string    `json:"notificationUrl,omitempty"`
	ExpirationDateTime       string    `json:"expirationDateTime,omitempty"`
	LifecycleNotificationURL string    `json:"lifecycleNotificationUrl,omitempty"`
	Error                    *APIError `json:"error,omitempty"`
}

// LifecycleNotification is one value[] entry of a lifecycle webhook payload.
type LifecycleNotification struct {
	SubscriptionID                 string `json:"subscriptionId"`
	SubscriptionExpirationDateTime string `json:"subscriptionExpirationDateTime"`
	TenantID                       string `json:"tenantId"`
	ClientState                    string `json:"clientState"`
	LifecycleEvent                 string `json:"lifecycleEvent"`
}

// SubscriptionRequest carries the fields for creating (or recreating) a
// subscription.
type SubscriptionRequest struct {
	NotificationURL          string
	Resource                 string
	Expiration               time.Time
	ClientState              string
	LifecycleNotificationURL string
	ChangeType               string // defaults to "created"
}

// Subscriptions manages Graph change-notification subscriptions. Every call
// refreshes the caller-supplied tokens first; a refresh failure aborts the
// operation as a GraphError.
type Subscriptions struct {
	auth       *Auth
	baseURL    string
	httpClient *http.Client
}

// NewSubscriptions creates a subscription manager on top of auth.
func NewSubscriptions(auth *Auth) *Subscriptions {
	return &Subscriptions{
		auth:       auth,
		baseURL:    DefaultGraphBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Subscriptions) bearer(ctx context.Context, ts *TokenSet) (string, error) {
	tokens, err := s.auth.GetTokens(ctx, ts)
	if err != nil {
		return "", &GraphError{Msg: fmt.Sprintf("error refreshing tokens: %v", err)}
	}
	return "Bearer " + tokens.AccessToken, nil
}

// GetSubscription fetches one subscription by id.
func (s *Subscriptions) GetSubscription(ctx context.Context, ts *TokenSet, id string) (*Subscription, error) {
	return s.do(ctx, ts, http.MethodGet, s.baseURL+"/subscriptions/"+id, nil)
}

// RemoveSubscription deletes a subscription. True means the provider
// answered with the empty 204 it uses for successful deletes.
func (s *Subscriptions) RemoveSubscription(ctx context.Context, ts *TokenSet, id string) (bool, error) {
	token, err := s.bearer(ctx, ts)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/subscriptions/"+id, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", token)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusNoContent, nil
}

// AddSubscription creates a change-notification subscription for the given
// resource. Provider errors come back on the Subscription's Error field.
func (s *Subscriptions) AddSubscription(ctx context.Context, ts *TokenSet, req SubscriptionRequest) (*Subscription, error) {
	changeType := req.ChangeType
	if changeType == "" {
		changeType = "created"
	}
	body := map[string]string{
		"changeType":         changeType,
		"notificationUrl":    req.NotificationURL,
		"resource":           req.Resource,
		"expirationDateTime": formatExpiration(req.Expiration),
		"clientState":        req.ClientState,
	}
	if req.LifecycleNotificationURL != "" {
		body["lifecycleNotificationUrl"] = req.LifecycleNotificationURL
	}
	return s.do(ctx, ts, http.MethodPost, s.baseURL+"/subscriptions", body)
}

// RenewSubscription pushes a subscription's expiration out. Callers must
// verify the returned id matches the one renewed.
func (s *Subscriptions) RenewSubscription(ctx context.Context, ts *TokenSet, id string, expiration time.Time) (*Subscription, error) {
	body := map[string]string{"expirationDateTime": formatExpiration(expiration)}
	return s.do(ctx, ts, http.MethodPatch, s.baseURL+"/subscriptions/"+id, body)
}

// ParseLifecycleNotification reacts to a subscription lifecycle event.
// reauthorizationRequired renews the same subscription id in place;
// subscriptionRemoved recreates a fresh subscription from req and returns
// its new id; unknown events are ignored for forward compatibility.
func (s *Subscriptions) ParseLifecycleNotification(ctx context.Context, ts *TokenSet, n *LifecycleNotification, req SubscriptionRequest) (string, error) {
	switch n.LifecycleEvent {
	case "reauthorizationRequired":
		sub, err := s.RenewSubscription(ctx, ts, n.SubscriptionID, req.Expiration)
		if err != nil {
			return "", err
		}
		if sub.ID != n.SubscriptionID {
			return "", &GraphError{Msg: fmt.Sprintf("weird renew response for %s: %+v", n.SubscriptionID, sub)}
		}
	case "subscriptionRemoved":
		sub, err := s.AddSubscription(ctx, ts, req)
		if err != nil {
			return "", err
		}
		if sub.ID == "" {
			return "", &GraphError{Msg: fmt.Sprintf("weird recreate response: %+v", sub)}
		}
		return sub.ID, nil
	}
	return "", nil
}

func (s *Subscriptions) do(ctx context.Context, ts *TokenSet, method, url string, body map[string]string) (*Subscription, error) {
	token, err := s.bearer(ctx, ts)
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sub Subscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("decoding subscription response: %w", err)
	}
	return &sub, nil
}

// formatExpiration renders the UTC ISO-8601 form Graph expects, with the
// trailing Z it insists on.
func formatExpiration(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.0000000") + "Z"
}
