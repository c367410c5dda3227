/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"testing"
)

func TestJoinFirstBecomesGM(t *testing.T) {
	store := newMemoryStore()
	paths := newSessionPaths("")
	members := newMembership(store, paths)
	router := testRouter(store)

	alice, isGm, err := members.Join(store.Connect(), "Alice", router)
	if err != nil {
		t.Fatalf("Join() unexpected error: %v", err)
	}
	if !isGm {
		t.Error("first joiner should claim GM")
	}

	bob, isGm, err := members.Join(store.Connect(), "Bob", router)
	if err != nil {
		t.Fatalf("Join() unexpected error: %v", err)
	}
	if isGm {
		t.Error("second joiner should not claim GM")
	}
	if bob.ID == alice.ID {
		t.Error("joiners should receive distinct ids")
	}

	raw, err := store.ReadOnce(paths.gmID())
	if err != nil {
		t.Fatalf("ReadOnce() unexpected error: %v", err)
	}
	if decodeString(raw) != alice.ID {
		t.Errorf("gm pointer = %q, want %q", decodeString(raw), alice.ID)
	}

	raw, err = store.ReadOnce(paths.messages())
	if err != nil {
		t.Fatalf("ReadOnce() unexpected error: %v", err)
	}
	msgs := decodeMessages(raw)
	if len(msgs) != 2 {
		t.Fatalf("message log has %d entries, want 2 join notices", len(msgs))
	}
	rendered := VisibleTo(RolePlayer, "Bob", msgs)
	if rendered[0].Text != "Alice has initiated the session as Game Master." {
		t.Errorf("first notice = %q", rendered[0].Text)
	}
	if rendered[1].Text != "Bob has connected." {
		t.Errorf("second notice = %q", rendered[1].Text)
	}
}

func TestFounderDisconnectTearsRoomDown(t *testing.T) {
	store := newMemoryStore()
	paths := newSessionPaths("s1")
	members := newMembership(store, paths)
	router := newMessageRouter(store, paths)

	conn := store.Connect()
	if _, _, err := members.Join(conn, "Alice", router); err != nil {
		t.Fatalf("Join() unexpected error: %v", err)
	}

	conn.Close()

	for _, path := range []string{paths.users(), paths.messages(), paths.gmID()} {
		raw, err := store.ReadOnce(path)
		if err != nil {
			t.Fatalf("ReadOnce(%q) unexpected error: %v", path, err)
		}
		if raw != nil {
			t.Errorf("%q survived founder disconnect: %s", path, raw)
		}
	}
}

func TestGMReclaimedAfterDisconnect(t *testing.T) {
	store := newMemoryStore()
	paths := newSessionPaths("")
	members := newMembership(store, paths)
	router := testRouter(store)

	conn := store.Connect()
	alice, _, err := members.Join(conn, "Alice", router)
	if err != nil {
		t.Fatalf("Join() unexpected error: %v", err)
	}

	conn.Close()
	members.Forget(alice.ID)

	bob, isGm, err := members.Join(store.Connect(), "Bob", router)
	if err != nil {
		t.Fatalf("Join() unexpected error: %v", err)
	}
	if !isGm {
		t.Error("joiner after GM departure should reclaim GM")
	}

	raw, err := store.ReadOnce(paths.gmID())
	if err != nil {
		t.Fatalf("ReadOnce() unexpected error: %v", err)
	}
	if decodeString(raw) != bob.ID {
		t.Errorf("gm pointer = %q, want %q", decodeString(raw), bob.ID)
	}
}

func TestTransferGM(t *testing.T) {
	store := newMemoryStore()
	paths := newSessionPaths("")
	members := newMembership(store, paths)
	router := testRouter(store)

	aliceConn := store.Connect()
	alice, _, err := members.Join(aliceConn, "Alice", router)
	if err != nil {
		t.Fatalf("Join() unexpected error: %v", err)
	}
	bob, _, err := members.Join(store.Connect(), "Bob", router)
	if err != nil {
		t.Fatalf("Join() unexpected error: %v", err)
	}

	logSize := func() int {
		raw, err := store.ReadOnce(paths.messages())
		if err != nil {
			t.Fatalf("ReadOnce() unexpected error: %v", err)
		}
		return len(decodeMessages(raw))
	}
	before := logSize()

	// A non-GM actor changes nothing and says nothing.
	if members.TransferGM(bob, alice.ID, router) {
		t.Error("TransferGM() by a player should refuse")
	}
	if logSize() != before {
		t.Error("refused transfer still emitted a notice")
	}

	// An unknown target likewise.
	if members.TransferGM(alice, "nonexistent", router) {
		t.Error("TransferGM() to unknown target should refuse")
	}
	raw, _ := store.ReadOnce(paths.gmID())
	if decodeString(raw) != alice.ID {
		t.Errorf("gm pointer moved on refused transfer: %q", decodeString(raw))
	}

	if !members.TransferGM(alice, bob.ID, router) {
		t.Fatal("TransferGM() to a present member should succeed")
	}

	raw, err = store.ReadOnce(paths.gmID())
	if err != nil {
		t.Fatalf("ReadOnce() unexpected error: %v", err)
	}
	if decodeString(raw) != bob.ID {
		t.Errorf("gm pointer = %q, want %q", decodeString(raw), bob.ID)
	}

	raw, err = store.ReadOnce(paths.messages())
	if err != nil {
		t.Fatalf("ReadOnce() unexpected error: %v", err)
	}
	msgs := VisibleTo(RolePlayer, "Bob", decodeMessages(raw))
	last := msgs[len(msgs)-1]
	if last.Text != "GM powers transferred to Bob." {
		t.Errorf("transfer notice = %q", last.Text)
	}
}

func TestTransferDisarmsOutgoingCleanup(t *testing.T) {
	store := newMemoryStore()
	paths := newSessionPaths("")
	members := newMembership(store, paths)
	router := testRouter(store)

	// Alice founds the room; her connection stays up so the room-wide
	// teardown she armed never fires.
	alice, _, err := members.Join(store.Connect(), "Alice", router)
	if err != nil {
		t.Fatalf("Join() unexpected error: %v", err)
	}

	bobConn := store.Connect()
	bob, _, err := members.Join(bobConn, "Bob", router)
	if err != nil {
		t.Fatalf("Join() unexpected error: %v", err)
	}
	carol, _, err := members.Join(store.Connect(), "Carol", router)
	if err != nil {
		t.Fatalf("Join() unexpected error: %v", err)
	}

	if !members.TransferGM(alice, bob.ID, router) {
		t.Fatal("transfer to Bob should succeed")
	}
	if !members.TransferGM(bob, carol.ID, router) {
		t.Fatal("transfer to Carol should succeed")
	}

	// Bob held GM briefly; his departure must not clear the pointer he
	// no longer holds.
	bobConn.Close()
	members.Forget(bob.ID)

	raw, err := store.ReadOnce(paths.gmID())
	if err != nil {
		t.Fatalf("ReadOnce() unexpected error: %v", err)
	}
	if decodeString(raw) != carol.ID {
		t.Errorf("gm pointer after old GM left = %q, want %q", decodeString(raw), carol.ID)
	}

	raw, err = store.ReadOnce(paths.user(bob.ID))
	if err != nil {
		t.Fatalf("ReadOnce() unexpected error: %v", err)
	}
	if raw != nil {
		t.Errorf("departed user entry survived: %s", raw)
	}
}
