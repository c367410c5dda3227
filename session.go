/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Role separates the single privileged Game Master from everyone else.
type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

// User is a connected participant. The id is generated at login; the
// display name is accepted unchecked.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// sessionPaths namespaces one session's three store mappings. An empty
// session id addresses the implicit global room at the store root.
type sessionPaths struct {
	base string
}

func newSessionPaths(sessionID string) sessionPaths {
	if sessionID == "" {
		return sessionPaths{}
	}
	return sessionPaths{base: "sessions/" + sessionID}
}

func (p sessionPaths) join(rest string) string {
	if p.base == "" {
		return rest
	}
	return p.base + "/" + rest
}

func (p sessionPaths) users() string { return p.join("users") }

func (p sessionPaths) user(id string) string { return p.join("users/" + id) }

func (p sessionPaths) messages() string { return p.join("messages") }

func (p sessionPaths) gmID() string { return p.join("gmId") }

// roots returns the paths whose removal tears the whole room down.
func (p sessionPaths) roots() []string {
	if p.base != "" {
		return []string{p.base}
	}
	return []string{"users", "messages", "gmId"}
}

// Membership owns one session's user mapping and GM pointer. Nothing else
// writes those paths. It remembers each member's store connection so GM
// handoff can re-arm the pointer cleanup on the right one.
type Membership struct {
	store Store
	paths sessionPaths

	mu      sync.Mutex
	members map[string]*member
}

type member struct {
	user      User
	conn      StoreConn
	gmCleanup Cleanup
}

func newMembership(store Store, paths sessionPaths) *Membership {
	return &Membership{
		store:   store,
		paths:   paths,
		members: make(map[string]*member),
	}
}

// Join registers a new participant and runs the GM claim. The first
// joiner of an empty room additionally arms teardown of the whole room,
// so an abandoned session cleans itself up.
//
// The claim is check-then-act: two near-simultaneous joins against an
// unclaimed room can both read an empty pointer and both write it. The
// store's last write wins, leaving a single GM; the loser's extra
// "initiated" notice is tolerated rather than masked.
func (m *Membership) Join(conn StoreConn, name string, notices *MessageRouter) (User, bool, error) {
	current, err := m.store.ReadOnce(m.paths.users())
	if err != nil {
		return User{}, false, fmt.Errorf("read users: %w", err)
	}
	if countChildren(current) == 0 {
		for _, root := range m.paths.roots() {
			conn.OnDisconnectRemove(root)
		}
	}

	user := User{ID: uuid.NewString(), Name: name}

	if err := m.store.Write(m.paths.user(user.ID), user); err != nil {
		return User{}, false, fmt.Errorf("register user: %w", err)
	}
	conn.OnDisconnectRemove(m.paths.user(user.ID))

	entry := &member{user: user, conn: conn}

	isGm := false
	if m.currentGM() == "" {
		if err := m.store.Write(m.paths.gmID(), user.ID); err != nil {
			return User{}, false, fmt.Errorf("claim gm: %w", err)
		}
		entry.gmCleanup = conn.OnDisconnectRemove(m.paths.gmID())
		isGm = true
	}

	m.mu.Lock()
	m.members[user.ID] = entry
	m.mu.Unlock()

	if isGm {
		notices.System(name + " has initiated the session as Game Master.")
	} else {
		notices.System(name + " has connected.")
	}

	return user, isGm, nil
}

// TransferGM hands the GM pointer from acting to target. Both
// preconditions failing silently is deliberate: a stale or malicious
// request changes nothing and tells no one else.
func (m *Membership) TransferGM(acting User, targetID string, notices *MessageRouter) bool {
	if m.currentGM() != acting.ID {
		return false
	}

	m.mu.Lock()
	target, ok := m.members[targetID]
	outgoing := m.members[acting.ID]
	m.mu.Unlock()

	if !ok {
		return false
	}

	if err := m.store.Write(m.paths.gmID(), targetID); err != nil {
		return false
	}

	// The outgoing GM's armed cleanup would clear the pointer out from
	// under the new GM later; disarm it and arm one on the new GM's
	// connection instead.
	if outgoing != nil && outgoing.gmCleanup != nil {
		outgoing.gmCleanup.Cancel()
		outgoing.gmCleanup = nil
	}
	target.gmCleanup = target.conn.OnDisconnectRemove(m.paths.gmID())

	notices.System("GM powers transferred to " + target.user.Name + ".")

	return true
}

// Forget drops the bookkeeping for a departed member. The store entries
// themselves are removed by the connection's armed cleanups.
func (m *Membership) Forget(userID string) {
	m.mu.Lock()
	delete(m.members, userID)
	m.mu.Unlock()
}

func (m *Membership) currentGM() string {
	raw, err := m.store.ReadOnce(m.paths.gmID())
	if err != nil {
		return ""
	}
	return decodeString(raw)
}

func countChildren(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(raw, &children); err != nil {
		return 0
	}
	return len(children)
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func decodeUsers(raw json.RawMessage) []User {
	if len(raw) == 0 {
		return nil
	}
	var byID map[string]User
	if err := json.Unmarshal(raw, &byID); err != nil {
		return nil
	}
	users := make([]User, 0, len(byID))
	for _, u := range byID {
		users = append(users, u)
	}
	return users
}
