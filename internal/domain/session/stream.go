package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ehr/portal/internal/platform/websocket"
)

// Topics on the event stream.
const (
	TopicAuth  = "auth"
	TopicRoles = "roles"
)

type streamPayload struct {
	UserID        string `json:"user_id,omitempty"`
	Email         string `json:"email,omitempty"`
	ExpiresAt     int64  `json:"expires_at,omitempty"`
	UserInitiated *bool  `json:"user_initiated,omitempty"`
	Roles         any    `json:"roles,omitempty"`
}

// PublishEvents forwards store events to pub until the returned stop func is
// called. Tokens are never forwarded.
func PublishEvents(s *Store, pub websocket.EventPublisher) (stop func()) {
	return s.Subscribe(func(ev Event) {
		out, ok := toStreamEvent(ev)
		if !ok {
			return
		}
		if err := pub.Publish(context.Background(), out); err != nil {
			s.logger.Warn().Err(err).Str("type", out.Type).Msg("publishing session event failed")
		}
	})
}

func toStreamEvent(ev Event) (websocket.Event, bool) {
	var (
		topic = TopicAuth
		p     streamPayload
	)
	switch e := ev.(type) {
	case SignedIn:
		p.UserID, p.Email, p.ExpiresAt = e.Session.User.ID, e.Session.User.Email, e.Session.ExpiresAt
	case TokenRefreshed:
		p.UserID, p.ExpiresAt = e.Session.User.ID, e.Session.ExpiresAt
	case UserUpdated:
		p.UserID, p.Email = e.User.ID, e.User.Email
	case SignedOut:
		ui := e.UserInitiated
		p.UserInitiated = &ui
	case RolesResolved:
		topic = TopicRoles
		p.UserID, p.Roles = e.UserID, e.Roles
	default:
		return websocket.Event{}, false
	}

	data, err := json.Marshal(p)
	if err != nil {
		return websocket.Event{}, false
	}
	return websocket.Event{
		Type:      ev.Name(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, true
}
