package bridge

import (
	"encoding/json"
	"html"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/quillbot/teamsbridge/internal/graph"
	"github.com/quillbot/teamsbridge/internal/logging"
)

// queueDepth bounds how many notifications the ingress can absorb while a
// worker drains; the endpoint must never block on a slow worker.
const queueDepth = 100

// Notification is one value[] entry of a resource-change payload, tagged
// with a relay id for log correlation once it passes validation.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ResourceData   struct {
		ODataID string `json:"@odata.id"`
	} `json:"resourceData"`

	RelayID string `json:"-"`
}

// LifecycleItem is a validated lifecycle notification plus its relay id.
type LifecycleItem struct {
	graph.LifecycleNotification
	RelayID string
}

// Server is the webhook ingress for Graph change notifications. Handlers
// only validate and enqueue; all real work happens on the relay workers.
type Server struct {
	secret    string
	chatQueue chan *Notification
	lifeQueue chan *LifecycleItem
}

// NewServer creates the ingress with the bridge's shared clientState secret.
func NewServer(secret string) *Server {
	return &Server{
		secret:    secret,
		chatQueue: make(chan *Notification, queueDepth),
		lifeQueue: make(chan *LifecycleItem, queueDepth),
	}
}

// ChatQueue is the resource-change queue drained by the chat relay worker.
func (s *Server) ChatQueue() <-chan *Notification { return s.chatQueue }

// LifecycleQueue is the queue drained by the lifecycle relay worker.
func (s *Server) LifecycleQueue() <-chan *LifecycleItem { return s.lifeQueue }

// Routes returns the two notification endpoints Graph is pointed at.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/chatMessageNotification", s.handleChatMessageNotification)
	r.Post("/lifecycleNotification", s.handleLifecycleNotification)
	return r
}

// handshake answers the provider's subscription-validation handshake:
// echo the token back verbatim and do nothing else.
func handshake(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("validationToken")
	if token == "" {
		return false
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, html.EscapeString(token))
	return true
}

func (s *Server) handleChatMessageNotification(w http.ResponseWriter, r *http.Request) {
	if handshake(w, r) {
		return
	}
	var payload struct {
		Value []Notification `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Value == nil {
		http.Error(w, "malformed notification payload", http.StatusInternalServerError)
		return
	}
	for i := range payload.Value {
		item := &payload.Value[i]
		cs, err := DecodeClientState(item.ClientState)
		if err != nil || cs.Secret != s.secret {
			// Silent drop: an accepting status must not reveal to spoofed or
			// foreign senders that their clientState failed validation.
			continue
		}
		item.RelayID = logging.NewRelayID()
		select {
		case s.chatQueue <- item:
		default:
			log.Printf("⚠️ chat notification queue full, dropping item for subscription %s", item.SubscriptionID)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLifecycleNotification(w http.ResponseWriter, r *http.Request) {
	if handshake(w, r) {
		return
	}
	var payload struct {
		Value []graph.LifecycleNotification `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Value == nil {
		http.Error(w, "malformed notification payload", http.StatusInternalServerError)
		return
	}
	for i := range payload.Value {
		n := payload.Value[i]
		cs, err := DecodeClientState(n.ClientState)
		if err != nil || cs.Secret != s.secret {
			continue
		}
		item := &LifecycleItem{LifecycleNotification: n, RelayID: logging.NewRelayID()}
		select {
		case s.lifeQueue <- item:
		default:
			log.Printf("⚠️ lifecycle queue full, dropping %s for subscription %s", n.LifecycleEvent, n.SubscriptionID)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}
