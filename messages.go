/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

type MessageType string

const (
	MessageSystem    MessageType = "system"
	MessageBroadcast MessageType = "broadcast"
	MessagePrivate   MessageType = "private"
)

// systemSender is the identity stamped on notices the server generates.
const systemSender = "system"

// Message is one immutable entry in a session's append-only log. The
// sender field carries the display name at time of sending, not the id.
type Message struct {
	ID        string      `json:"id,omitempty"`
	Text      string      `json:"text"`
	Sender    string      `json:"sender"`
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// RenderedMessage is a log entry dressed for the terminal.
type RenderedMessage struct {
	Message
	Prefix string `json:"prefix"`
}

var errEmptyMessage = errors.New("message text is empty")

// MessageRouter owns appends to one session's message log. Nothing else
// writes it.
type MessageRouter struct {
	store Store
	paths sessionPaths
	now   func() time.Time
}

func newMessageRouter(store Store, paths sessionPaths) *MessageRouter {
	return &MessageRouter{
		store: store,
		paths: paths,
		now:   time.Now,
	}
}

// Send appends a message to the log. With no explicit type the sender's
// role decides: the GM broadcasts, everyone else whispers to the GM.
func (r *MessageRouter) Send(sender string, role Role, text string, explicit MessageType) (Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, errEmptyMessage
	}

	typ := explicit
	if typ == "" {
		if role == RoleGM {
			typ = MessageBroadcast
		} else {
			typ = MessagePrivate
		}
	}

	msg := Message{
		Text:      trimmed,
		Sender:    sender,
		Type:      typ,
		Timestamp: r.now().UnixMilli(),
	}

	id, err := r.store.Push(r.paths.messages(), msg)
	if err != nil {
		return Message{}, err
	}
	msg.ID = id

	return msg, nil
}

// System appends an informational notice. A failed notice is dropped;
// it never blocks the state change it narrates.
func (r *MessageRouter) System(text string) {
	_, _ = r.Send(systemSender, "", text, MessageSystem)
}

// VisibleTo projects the log for one viewer. Pure: sorts a copy of the
// input by timestamp (store delivery order is arrival order, never
// trusted), filters by role, and attaches display prefixes.
//
// The GM sees everything. A player sees system and broadcast traffic
// plus only the private messages they sent themselves, matched by
// display name since that is all a message carries.
func VisibleTo(role Role, viewerName string, msgs []Message) []RenderedMessage {
	ordered := make([]Message, len(msgs))
	copy(ordered, msgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	visible := make([]RenderedMessage, 0, len(ordered))
	for _, msg := range ordered {
		if msg.Type == MessagePrivate && role != RoleGM && msg.Sender != viewerName {
			continue
		}
		visible = append(visible, RenderedMessage{
			Message: msg,
			Prefix:  displayPrefix(role, msg),
		})
	}

	return visible
}

func displayPrefix(role Role, msg Message) string {
	switch msg.Type {
	case MessageSystem:
		return "[SYSTEM] >"
	case MessagePrivate:
		if role == RoleGM {
			return "[DM from " + strings.ToUpper(msg.Sender) + "] >"
		}
		return "[DM to GM] >"
	default:
		return "[" + strings.ToUpper(msg.Sender) + "] >"
	}
}

func decodeMessages(raw json.RawMessage) []Message {
	if len(raw) == 0 {
		return nil
	}
	var byID map[string]Message
	if err := json.Unmarshal(raw, &byID); err != nil {
		return nil
	}
	msgs := make([]Message, 0, len(byID))
	for id, m := range byID {
		m.ID = id
		msgs = append(msgs, m)
	}
	return msgs
}
