package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quillbot/teamsbridge/internal/db/models"
	"github.com/quillbot/teamsbridge/internal/discord"
	"github.com/quillbot/teamsbridge/internal/graph"
	"github.com/quillbot/teamsbridge/internal/logging"
	"github.com/quillbot/teamsbridge/internal/util"
	"golang.org/x/net/html"
)

// ChatExpires is the subscription lifetime requested on create and renew,
// kept under the 60-minute maximum Graph allows for chat resources.
const ChatExpires = 59 * time.Minute

const (
	// FromDiscordAnchor closes the attribution link the forwarder puts on
	// every Discord→Teams message; its presence in a fetched Teams body
	// identifies our own messages. Without this check every forwarded
	// Discord message would be echoed straight back into Discord.
	FromDiscordAnchor = "<i>from Discord</i></a>"
	// SentMarker is the trailing comment stamped on forwarded messages.
	SentMarker = "<!-- SENT FROM DISCORD BY QUILL -->"
)

// SettingsStore is the guild-settings surface the relay needs.
type SettingsStore interface {
	GetGuildSettings(guildID int64) (*models.GuildSettings, error)
	SetGuildSettings(gs *models.GuildSettings) error
	BumpUsage(guildID int64, counter string) error
}

// TokenRefresher refreshes a stored token record before use.
type TokenRefresher interface {
	GetTokens(ctx context.Context, ts *graph.TokenSet) (*graph.TokenSet, error)
}

// SubscriptionManager is the subset of graph.Subscriptions the relay needs.
type SubscriptionManager interface {
	RemoveSubscription(ctx context.Context, ts *graph.TokenSet, id string) (bool, error)
	ParseLifecycleNotification(ctx context.Context, ts *graph.TokenSet, n *graph.LifecycleNotification, req graph.SubscriptionRequest) (string, error)
}

// ChannelSender posts a message into a Discord channel.
type ChannelSender interface {
	Send(ctx context.Context, channelID int64, content string) error
}

// Relay drains the two notification queues, one item at a time per queue.
// The queues are independent; within each one, items are processed strictly
// in arrival order and a failing item never stops the loop.
type Relay struct {
	Store   SettingsStore
	Auth    TokenRefresher
	Subs    SubscriptionManager
	Discord ChannelSender

	// Secret and ExternalURL rebuild the clientState and notification URLs
	// when a removed subscription has to be recreated.
	Secret      string
	ExternalURL string

	GraphBaseURL string
	HTTPClient   *http.Client
	Now          func() time.Time
}

func (r *Relay) timeNow() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Relay) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *Relay) graphBaseURL() string {
	if r.GraphBaseURL != "" {
		return r.GraphBaseURL
	}
	return graph.DefaultGraphBaseURL
}

// Run starts both queue workers and blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, srv *Server) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.runChatWorker(ctx, srv.ChatQueue())
	}()
	go func() {
		defer wg.Done()
		r.runLifecycleWorker(ctx, srv.LifecycleQueue())
	}()
	wg.Wait()
	log.Printf("🔌 relay workers stopped")
}

func (r *Relay) runChatWorker(ctx context.Context, queue <-chan *Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-queue:
			itemCtx := logging.WithRelayID(ctx, item.RelayID)
			if err := guarded(func() error { return r.processChatMessage(itemCtx, item) }); err != nil {
				log.Printf("❌ [%s] error parsing chatMessage for subscription %s: %v", item.RelayID, item.SubscriptionID, err)
			}
		}
	}
}

func (r *Relay) runLifecycleWorker(ctx context.Context, queue <-chan *LifecycleItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-queue:
			itemCtx := logging.WithRelayID(ctx, item.RelayID)
			if err := guarded(func() error { return r.processLifecycle(itemCtx, item) }); err != nil {
				log.Printf("❌ [%s] error parsing lifecycle event %s for subscription %s: %v", item.RelayID, item.LifecycleEvent, item.SubscriptionID, err)
			}
		}
	}
}

// guarded keeps a panicking item from killing the loop; one poisoned item
// must not starve the queue.
func guarded(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

// processChatMessage relays one Teams chat message into the bound Discord
// channel. Every early return is a deliberate drop; only genuinely
// unexpected conditions surface as errors for the worker to log.
func (r *Relay) processChatMessage(ctx context.Context, item *Notification) error {
	cs, err := DecodeClientState(item.ClientState)
	if err != nil {
		return fmt.Errorf("decoding client state: %w", err)
	}
	if cs.GuildID == 0 || cs.ChatID == "" {
		return nil
	}
	gs, err := r.Store.GetGuildSettings(cs.GuildID)
	if err != nil {
		return err
	}
	stored, err := gs.Tokens()
	if err != nil {
		return err
	}
	if stored == nil {
		// Bridge was disconnected after the subscription was created.
		return nil
	}
	tokens, err := r.refreshAndPersist(ctx, gs, stored)
	if err != nil {
		log.Printf("⚠️ [%s] token refresh failed for guild %d: %v", logging.RelayID(ctx), cs.GuildID, err)
		return nil
	}
	if gs.TeamsChatID == nil || *gs.TeamsChatID != cs.ChatID {
		// The admin repointed the bridge at another chat; the subscription
		// behind this notification is orphaned, so clean it up.
		_, err := r.Subs.RemoveSubscription(ctx, tokens, item.SubscriptionID)
		return err
	}
	if gs.TeamsChannel == nil {
		return nil
	}

	msg, err := r.fetchMessage(ctx, tokens, item.ResourceData.ODataID)
	if err != nil {
		return err
	}
	if msg.Body == nil {
		log.Printf("⚠️ [%s] no body found for %s", logging.RelayID(ctx), item.ResourceData.ODataID)
		return nil
	}
	if msg.From == nil || msg.From.User == nil {
		// Bot and system messages carry no user sender.
		return nil
	}
	if strings.Contains(msg.Body.Content, FromDiscordAnchor) {
		// Echo prevention: this message originated on the Discord side.
		return nil
	}
	var text string
	switch msg.Body.ContentType {
	case "text":
		text = msg.Body.Content
	case "html":
		text = htmlToText(msg.Body.Content)
	default:
		log.Printf("⚠️ [%s] unknown contentType %q for %s", logging.RelayID(ctx), msg.Body.ContentType, item.ResourceData.ODataID)
		return nil
	}

	content := util.ClampMessage(fmt.Sprintf("**%s** _from Teams_\n%s", msg.From.User.DisplayName, text))
	if err := r.Discord.Send(ctx, *gs.TeamsChannel, content); err != nil {
		var se *discord.StatusError
		if errors.As(err, &se) && (se.Status == http.StatusForbidden || se.Status == http.StatusNotFound) {
			// The bound channel is gone or unreachable; unbind it so the
			// next notification doesn't retry a dead channel.
			gs.TeamsChannel = nil
			return r.Store.SetGuildSettings(gs)
		}
		return err
	}
	if err := r.Store.BumpUsage(cs.GuildID, "teams_to_discord"); err != nil {
		log.Printf("⚠️ [%s] bumping usage for guild %d: %v", logging.RelayID(ctx), cs.GuildID, err)
	}
	return nil
}

// processLifecycle renews or recreates the guild's subscription in response
// to a lifecycle event. A recreated subscription's id is returned by the
// manager but deliberately not persisted: future notifications carry it.
func (r *Relay) processLifecycle(ctx context.Context, item *LifecycleItem) error {
	cs, err := DecodeClientState(item.ClientState)
	if err != nil {
		return fmt.Errorf("decoding client state: %w", err)
	}
	if cs.GuildID == 0 {
		return fmt.Errorf("guild id missing from lifecycle client state for subscription %s", item.SubscriptionID)
	}
	gs, err := r.Store.GetGuildSettings(cs.GuildID)
	if err != nil {
		return err
	}
	stored, err := gs.Tokens()
	if err != nil {
		return err
	}
	if stored == nil || gs.TeamsChatID == nil {
		return nil
	}
	tokens, err := r.refreshAndPersist(ctx, gs, stored)
	if err != nil {
		log.Printf("❌ [%s] token refresh failed for guild %d: %v", logging.RelayID(ctx), cs.GuildID, err)
		return nil
	}
	if *gs.TeamsChatID != cs.ChatID {
		_, err := r.Subs.RemoveSubscription(ctx, tokens, item.SubscriptionID)
		return err
	}
	_, err = r.Subs.ParseLifecycleNotification(ctx, tokens, &item.LifecycleNotification, graph.SubscriptionRequest{
		NotificationURL:          r.ExternalURL + "/chatMessageNotification",
		Resource:                 fmt.Sprintf("/chats/%s/messages", *gs.TeamsChatID),
		Expiration:               r.timeNow().Add(ChatExpires),
		ClientState:              EncodeClientState(r.Secret, cs.GuildID, *gs.TeamsChatID),
		LifecycleNotificationURL: r.ExternalURL + "/lifecycleNotification",
	})
	return err
}

// refreshAndPersist refreshes the stored tokens and writes them back when
// the provider handed out a new record, keeping the stored token fresh even
// when no message flow is active.
func (r *Relay) refreshAndPersist(ctx context.Context, gs *models.GuildSettings, stored *graph.TokenSet) (*graph.TokenSet, error) {
	tokens, err := r.Auth.GetTokens(ctx, stored)
	if err != nil {
		return nil, err
	}
	if *tokens != *stored {
		gs.SetTokens(tokens)
		if err := r.Store.SetGuildSettings(gs); err != nil {
			return nil, err
		}
	}
	return tokens, nil
}

// chatMessage is the slice of a Graph chat message resource the relay reads.
type chatMessage struct {
	From *struct {
		User *struct {
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"from"`
	Body *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

func (r *Relay) fetchMessage(ctx context.Context, tokens *graph.TokenSet, odataID string) (*chatMessage, error) {
	url := r.graphBaseURL() + "/" + strings.TrimPrefix(odataID, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP status %d fetching message %s: %s", resp.StatusCode, odataID, body)
	}
	var msg chatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", odataID, err)
	}
	return &msg, nil
}

// htmlToText flattens a Teams HTML body into the plain text Discord shows.
func htmlToText(s string) string {
	node, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return b.String()
}
