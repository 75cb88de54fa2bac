package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// RefreshMargin is how close to expiry a token may get before GetTokens
// performs a network refresh. 10s sits in the middle of the 5-15s band that
// provider clock skew allows.
const RefreshMargin = 10 * time.Second

// reservedScopes are always appended by LogIn; callers must not request them.
var reservedScopes = []string{"offline_access", "openid"}

// TokenSet is the full token record returned by the token endpoint. Expires
// is an absolute unix timestamp stamped locally from the provider's relative
// expires_in; the provider clock is never trusted for it.
type TokenSet struct {
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Expires      int64  `json:"expires"`
}

// LoginSession is one pending device-code flow. Expires is stamped from
// expires_in the same way as TokenSet.Expires.
type LoginSession struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int    `json:"interval"`
	Message         string `json:"message"`
	Expires         int64  `json:"expires"`
}

// tokenPayload is the raw token endpoint response before expiry stamping.
type tokenPayload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	ExpiresIn        int64  `json:"expires_in"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
}

// Auth performs the AAD device-code grant and token refreshes for one
// registered application. It keeps no state between calls; token records are
// owned by the settings store.
type Auth struct {
	ClientID string
	Tenant   string

	endpoint   oauth2.Endpoint
	httpClient *http.Client
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewAuth creates an Auth for the given application in the given directory
// tenant ("common" when empty).
func NewAuth(clientID, tenant string) *Auth {
	if tenant == "" {
		tenant = "common"
	}
	return &Auth{
		ClientID:   clientID,
		Tenant:     tenant,
		endpoint:   microsoft.AzureADEndpoint(tenant),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LogIn starts the device-code grant. The reserved scopes offline_access and
// openid are appended internally; passing one of them is a caller bug and
// panics rather than returning a recoverable error.
func (a *Auth) LogIn(ctx context.Context, scopes []string) (*LoginSession, error) {
	for _, scope := range scopes {
		for _, reserved := range reservedScopes {
			if scope == reserved {
				panic("graph: do not request offline_access or openid, LogIn appends them")
			}
		}
	}
	scopes = append(append([]string{}, scopes...), reservedScopes...)

	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		DeviceCode       string `json:"device_code"`
		UserCode         string `json:"user_code"`
		VerificationURI  string `json:"verification_uri"`
		ExpiresIn        int64  `json:"expires_in"`
		Interval         int    `json:"interval"`
		Message          string `json:"message"`
	}
	form := url.Values{
		"client_id": {a.ClientID},
		"scope":     {strings.Join(scopes, " ")},
	}
	if err := a.postForm(ctx, a.endpoint.DeviceAuthURL, form, &payload); err != nil {
		return nil, err
	}
	if payload.Error != "" {
		return nil, &ProviderError{Code: payload.Error, Description: payload.ErrorDescription}
	}
	return &LoginSession{
		DeviceCode:      payload.DeviceCode,
		UserCode:        payload.UserCode,
		VerificationURI: payload.VerificationURI,
		Interval:        payload.Interval,
		Message:         payload.Message,
		Expires:         a.now().Unix() + payload.ExpiresIn,
	}, nil
}

// PollLogIn polls the token endpoint until the user completes or abandons
// the device flow. authorization_pending is the only retried condition; the
// caller bounds the wait through ctx (the session's own Expires is for
// display, an in-flight poll is not interrupted by it).
func (a *Auth) PollLogIn(ctx context.Context, session *LoginSession) (*TokenSet, error) {
	interval := time.Duration(session.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"tenant":      {a.Tenant},
		"client_id":   {a.ClientID},
		"device_code": {session.DeviceCode},
	}
	for {
		var payload tokenPayload
		if err := a.postForm(ctx, a.endpoint.TokenURL, form, &payload); err != nil {
			return nil, err
		}
		switch payload.Error {
		case "authorization_pending":
			if err := a.sleep(ctx, interval); err != nil {
				return nil, err
			}
		case "bad_verification_code":
			// The device code only ever comes from our own LogIn response,
			// so this means internal corruption, not a user mistake.
			return nil, &GraphError{Msg: "bad verification code: " + session.DeviceCode}
		case "":
			return a.stampTokens(&payload), nil
		default:
			return nil, &ProviderError{Code: payload.Error, Description: payload.ErrorDescription}
		}
	}
}

// GetTokens returns ts unchanged while it is more than RefreshMargin from
// expiry; otherwise it performs a refresh-token grant and returns a brand
// new record (including a possibly rotated refresh token).
func (a *Auth) GetTokens(ctx context.Context, ts *TokenSet) (*TokenSet, error) {
	if a.now().Add(RefreshMargin).Unix() < ts.Expires {
		return ts, nil
	}
	form := url.Values{
		"tenant":        {a.Tenant},
		"client_id":     {a.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {ts.RefreshToken},
	}
	var payload tokenPayload
	if err := a.postForm(ctx, a.endpoint.TokenURL, form, &payload); err != nil {
		return nil, err
	}
	if payload.Error != "" {
		return nil, &ProviderError{Code: payload.Error, Description: payload.ErrorDescription}
	}
	return a.stampTokens(&payload), nil
}

func (a *Auth) stampTokens(p *tokenPayload) *TokenSet {
	return &TokenSet{
		TokenType:    p.TokenType,
		Scope:        p.Scope,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		IDToken:      p.IDToken,
		Expires:      a.now().Unix() + p.ExpiresIn,
	}
}

func (a *Auth) postForm(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
