// Package bot is the command surface the Discord gateway client drives:
// device-code login, conversation binding, status reporting and the
// Discord→Teams forward path. The gateway itself (slash command parsing,
// embeds, buttons) lives outside this module and renders what these methods
// return.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/quillbot/teamsbridge/internal/bridge"
	"github.com/quillbot/teamsbridge/internal/db"
	"github.com/quillbot/teamsbridge/internal/graph"
)

// Scopes requested for the bridge: send and read chat messages, and see the
// signed-in account's email. offline_access/openid are appended by LogIn.
var Scopes = []string{"ChatMessage.Send", "Chat.Read", "email"}

// ErrLoginPending means another login for the guild is still waiting for a
// user to finish the device flow.
var ErrLoginPending = errors.New("another login is already pending for this guild")

// Authenticator is the device-code client surface the service needs.
type Authenticator interface {
	LogIn(ctx context.Context, scopes []string) (*graph.LoginSession, error)
	PollLogIn(ctx context.Context, session *graph.LoginSession) (*graph.TokenSet, error)
	GetTokens(ctx context.Context, ts *graph.TokenSet) (*graph.TokenSet, error)
}

// SubscriptionCreator creates chat subscriptions when a conversation is bound.
type SubscriptionCreator interface {
	AddSubscription(ctx context.Context, ts *graph.TokenSet, req graph.SubscriptionRequest) (*graph.Subscription, error)
}

// InboundMessage is the Discord-side message the gateway hands to the
// forwarder.
type InboundMessage struct {
	GuildID    int64
	ChannelID  int64
	AuthorID   int64
	AuthorName string
	Content    string
	JumpURL    string
}

// Service implements the admin commands for one bot process.
type Service struct {
	Store       *db.Store
	Auth        Authenticator
	Subs        SubscriptionCreator
	Secret      string
	ExternalURL string
	BotUserID   int64

	// Renderer turns Discord message markup into the HTML fragment embedded
	// in forwarded Teams messages. Defaults to plain HTML escaping; the real
	// markup renderer is an external collaborator.
	Renderer func(content string) string

	GraphBaseURL string
	HTTPClient   *http.Client

	mu      sync.Mutex
	pending map[int64]*pendingLogin
}

type pendingLogin struct {
	userID  int64
	session *graph.LoginSession
}

// NewService wires the command surface.
func NewService(store *db.Store, auth Authenticator, subs SubscriptionCreator, secret, externalURL string) *Service {
	return &Service{
		Store:       store,
		Auth:        auth,
		Subs:        subs,
		Secret:      secret,
		ExternalURL: externalURL,
		pending:     make(map[int64]*pendingLogin),
	}
}

// BeginLogin starts the device-code flow for a guild. At most one unexpired
// login may be pending per guild; stale sessions are evicted here, on the
// next attempt, rather than by a background sweeper.
func (s *Service) BeginLogin(ctx context.Context, guildID, userID int64) (*graph.LoginSession, error) {
	s.mu.Lock()
	if p, ok := s.pending[guildID]; ok {
		if time.Now().Unix() <= p.session.Expires {
			s.mu.Unlock()
			return nil, ErrLoginPending
		}
		delete(s.pending, guildID)
	}
	s.mu.Unlock()

	session, err := s.Auth.LogIn(ctx, Scopes)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pending[guildID] = &pendingLogin{userID: userID, session: session}
	s.mu.Unlock()
	return session, nil
}

// CompleteLogin blocks on the token poll and stores the resulting record.
// The pending session is cleared on success and on terminal errors; callers
// bound the wait through ctx.
func (s *Service) CompleteLogin(ctx context.Context, guildID, userID int64) (*graph.TokenSet, error) {
	s.mu.Lock()
	p := s.pending[guildID]
	s.mu.Unlock()
	if p == nil || p.userID != userID {
		return nil, errors.New("no pending login for this user")
	}

	tokens, err := s.Auth.PollLogIn(ctx, p.session)
	s.clearPending(guildID, userID)
	if err != nil {
		return nil, err
	}
	gs, err := s.Store.GetGuildSettings(guildID)
	if err != nil {
		return nil, err
	}
	gs.SetTokens(tokens)
	if err := s.Store.SetGuildSettings(gs); err != nil {
		return nil, err
	}
	log.Printf("✅ guild %d authorized to Teams", guildID)
	return tokens, nil
}

func (s *Service) clearPending(guildID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[guildID]; ok && p.userID == userID {
		delete(s.pending, guildID)
	}
}

// Logout clears the stored auth; channel and chat bindings stay.
func (s *Service) Logout(guildID int64) error {
	gs, err := s.Store.GetGuildSettings(guildID)
	if err != nil {
		return err
	}
	gs.SetTokens(nil)
	return s.Store.SetGuildSettings(gs)
}

// SetChannel binds (or, with nil, unbinds) the Discord channel side of the
// bridge.
func (s *Service) SetChannel(guildID int64, channelID *int64) error {
	gs, err := s.Store.GetGuildSettings(guildID)
	if err != nil {
		return err
	}
	gs.TeamsChannel = channelID
	return s.Store.SetGuildSettings(gs)
}

// StatusReport is what the gateway renders into the status embed.
type StatusReport struct {
	Email     string // empty when not authorized
	ChannelID *int64
	ChatID    *string
}

// Status reports the signed-in account (email from the unverified id_token)
// and the current bindings.
func (s *Service) Status(guildID int64) (*StatusReport, error) {
	gs, err := s.Store.GetGuildSettings(guildID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{ChannelID: gs.TeamsChannel, ChatID: gs.TeamsChatID}
	tokens, err := gs.Tokens()
	if err != nil {
		return nil, err
	}
	if tokens != nil {
		claims, err := graph.ParseIDToken(tokens.IDToken)
		if err != nil {
			return nil, err
		}
		report.Email = claims.Email
	}
	return report, nil
}

// SetConversation stores the Teams chat id and, when the guild is already
// authorized, subscribes to the chat. The save is never rolled back on a
// failed subscription; the caller tells the admin "conversation ID set, but
// subscription failed" and the admin retries.
func (s *Service) SetConversation(ctx context.Context, guildID int64, chatID string) (subscribed bool, err error) {
	gs, err := s.Store.GetGuildSettings(guildID)
	if err != nil {
		return false, err
	}
	gs.TeamsChatID = &chatID
	if err := s.Store.SetGuildSettings(gs); err != nil {
		return false, err
	}
	stored, err := gs.Tokens()
	if err != nil {
		return false, err
	}
	if stored == nil {
		// Not authorized yet; the admin authenticates and binds again.
		return false, nil
	}
	tokens, err := s.Auth.GetTokens(ctx, stored)
	if err != nil {
		return false, fmt.Errorf("refresh for guild %d failed: %w", guildID, err)
	}
	sub, err := s.Subs.AddSubscription(ctx, tokens, graph.SubscriptionRequest{
		NotificationURL:          s.ExternalURL + "/chatMessageNotification",
		Resource:                 fmt.Sprintf("/chats/%s/messages", chatID),
		Expiration:               time.Now().Add(bridge.ChatExpires),
		ClientState:              bridge.EncodeClientState(s.Secret, guildID, chatID),
		LifecycleNotificationURL: s.ExternalURL + "/lifecycleNotification",
	})
	if err != nil {
		return false, err
	}
	if sub.Error != nil {
		return false, fmt.Errorf("subscription for guild %d failed: %w", guildID, sub.Error)
	}
	if sub.ID == "" {
		return false, &graph.GraphError{Msg: fmt.Sprintf("malformed create response: %+v", sub)}
	}
	log.Printf("✅ subscribed guild %d to Teams chat %s (subscription %s)", guildID, chatID, sub.ID)
	return true, nil
}

// ForwardToTeams relays one Discord message into the bound Teams chat. The
// returned error carries user-facing detail; the gateway replies with it
// in-channel. Messages off the bridge channel, from the bot itself, or for
// unconfigured guilds are silently skipped.
func (s *Service) ForwardToTeams(ctx context.Context, msg *InboundMessage) error {
	gs, err := s.Store.GetGuildSettings(msg.GuildID)
	if err != nil {
		return err
	}
	if gs.TeamsChannel == nil || *gs.TeamsChannel != msg.ChannelID || gs.TeamsChatID == nil {
		return nil
	}
	stored, err := gs.Tokens()
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}
	if msg.AuthorID == s.BotUserID {
		return nil
	}

	render := s.Renderer
	if render == nil {
		render = func(content string) string { return html.EscapeString(content) }
	}
	composed := fmt.Sprintf(`<div><p><b>%s</b> <a href="%s">%s</p><div>%s</div></div>%s`,
		html.EscapeString(msg.AuthorName), msg.JumpURL, bridge.FromDiscordAnchor,
		render(msg.Content), bridge.SentMarker)

	tokens, err := s.Auth.GetTokens(ctx, stored)
	if err != nil {
		return fmt.Errorf("error sending to Teams: %w", err)
	}
	if *tokens != *stored {
		gs.SetTokens(tokens)
		if err := s.Store.SetGuildSettings(gs); err != nil {
			return err
		}
	}

	body, err := json.Marshal(map[string]any{
		"body": map[string]string{"content": composed, "contentType": "html"},
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/chats/%s/messages", s.graphBaseURL(), *gs.TeamsChatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", tokens.TokenType+" "+tokens.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP error sending to Teams: %d: %s", resp.StatusCode, respBody)
	}
	if err := s.Store.BumpUsage(msg.GuildID, "discord_to_teams"); err != nil {
		log.Printf("⚠️ bumping usage for guild %d: %v", msg.GuildID, err)
	}
	return nil
}

func (s *Service) graphBaseURL() string {
	if s.GraphBaseURL != "" {
		return s.GraphBaseURL
	}
	return graph.DefaultGraphBaseURL
}

func (s *Service) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}
