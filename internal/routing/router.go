// Package routing canonicalises inbound messages to route keys and
// binds each key to a session and a shared conversation context.
package routing

import (
	"fmt"
	"sync"

	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/sessions"
)

// anonymousUser substitutes for an empty user id in route keys.
const anonymousUser = "anonymous"

// RouteKey builds the canonical conversation scope key:
//
//	group thread: {channelId}:group:{groupId}:thread:{threadId}
//	group:        {channelId}:group:{groupId}:user:{userId|anonymous}
//	direct:       {channelId}:{userId|anonymous}
func RouteKey(msg bus.InboundMessage) string {
	user := msg.From.UserID
	if user == "" {
		user = anonymousUser
	}
	switch {
	case msg.From.GroupID != "" && msg.From.ThreadID != "":
		return fmt.Sprintf("%s:group:%s:thread:%s", msg.ChannelID, msg.From.GroupID, msg.From.ThreadID)
	case msg.From.GroupID != "":
		return fmt.Sprintf("%s:group:%s:user:%s", msg.ChannelID, msg.From.GroupID, user)
	default:
		return fmt.Sprintf("%s:%s", msg.ChannelID, user)
	}
}

// Router maps route keys to sessions. Assignment is stable: the same
// key yields the same session for as long as that session lives. Stale
// entries pointing at ended sessions are cleared lazily on the next
// lookup.
type Router struct {
	mu       sync.Mutex
	routes   map[string]string // route key -> session id
	sessions *sessions.Manager
}

// NewRouter creates a Router backed by the given session manager.
func NewRouter(sm *sessions.Manager) *Router {
	return &Router{
		routes:   make(map[string]string),
		sessions: sm,
	}
}

// Route resolves msg to its session, creating one with the default
// config when the key is unbound or its session has been evicted.
// Resolving an existing session refreshes its activity timestamp so
// inbound traffic keeps it clear of idle eviction. Returns false when
// the message has no channel id.
func (r *Router) Route(msg bus.InboundMessage) (sessions.Session, bool) {
	if msg.ChannelID == "" {
		return sessions.Session{}, false
	}
	key := RouteKey(msg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sid, ok := r.routes[key]; ok {
		r.sessions.TouchSession(sid)
		if s, live := r.sessions.GetSession(sid); live {
			return s, true
		}
		delete(r.routes, key)
	}

	s := r.sessions.CreateSession(sessions.Config{})
	r.routes[key] = s.ID
	return s, true
}

// Size returns the number of bound routes, counting stale entries not
// yet swept.
func (r *Router) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}
