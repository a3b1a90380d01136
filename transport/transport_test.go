package transport

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func newListener(t *testing.T) (*Transport, string) {
	t.Helper()
	tr := New(nil)
	sockPath := filepath.Join(t.TempDir(), "mesh.sock")
	if err := tr.Listen(sockPath); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr, sockPath
}

func waitEvent(t *testing.T, tr *Transport) Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return Event{}
	}
}

func waitForPeerCount(t *testing.T, tr *Transport, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for tr.PeerCount() != want {
		select {
		case <-deadline:
			t.Fatalf("PeerCount() never reached %d (stuck at %d)", want, tr.PeerCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestConnectAndAccept(t *testing.T) {
	server, sockPath := newListener(t)

	client := New(nil)
	t.Cleanup(func() { _ = client.Close() })
	if _, err := client.Connect(sockPath); err != nil {
		t.Fatal(err)
	}

	waitForPeerCount(t, server, 1)
	if client.PeerCount() != 1 {
		t.Fatalf("client PeerCount() = %d, want 1", client.PeerCount())
	}
}

func TestSendToAllDeliversFrame(t *testing.T) {
	server, sockPath := newListener(t)

	client := New(nil)
	t.Cleanup(func() { _ = client.Close() })
	if _, err := client.Connect(sockPath); err != nil {
		t.Fatal(err)
	}
	waitForPeerCount(t, server, 1)

	frame := []byte{1, 2, 3}
	if sent := server.SendToAll(frame, nil); sent != 1 {
		t.Fatalf("SendToAll sent to %d peers, want 1", sent)
	}

	ev := waitEvent(t, client)
	if ev.Err != nil {
		t.Fatalf("unexpected error event: %v", ev.Err)
	}
	if !bytes.Equal(ev.Frame, frame) {
		t.Fatalf("got frame %v, want %v", ev.Frame, frame)
	}
}

func TestSendToAllExcludesSource(t *testing.T) {
	server, sockPath := newListener(t)

	clientA := New(nil)
	clientB := New(nil)
	t.Cleanup(func() { _ = clientA.Close() })
	t.Cleanup(func() { _ = clientB.Close() })
	if _, err := clientA.Connect(sockPath); err != nil {
		t.Fatal(err)
	}
	if _, err := clientB.Connect(sockPath); err != nil {
		t.Fatal(err)
	}
	waitForPeerCount(t, server, 2)

	// Which server-side slot belongs to which client is not known, so the
	// test excludes the first server slot and checks that exactly one write
	// succeeds and that the frame reaches one of the two clients.
	serverPeers := server.snapshot()
	if len(serverPeers) != 2 {
		t.Fatalf("server has %d peer slots, want 2", len(serverPeers))
	}

	excluded := serverPeers[0]
	frame := []byte{9, 9, 9}
	sent := server.SendToAll(frame, excluded)
	if sent != 1 {
		t.Fatalf("SendToAll(except=one) sent to %d peers, want 1", sent)
	}

	select {
	case ev := <-clientA.Events():
		// It's ambiguous which client maps to which server slot, so accept
		// the frame on whichever of the two client channels it arrives.
		if !bytes.Equal(ev.Frame, frame) {
			t.Fatalf("unexpected frame on A: %v", ev.Frame)
		}
	case ev := <-clientB.Events():
		if !bytes.Equal(ev.Frame, frame) {
			t.Fatalf("unexpected frame on B: %v", ev.Frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the non-excluded peer to receive the frame")
	}
}

func TestPeerCountReflectsDisconnect(t *testing.T) {
	server, sockPath := newListener(t)

	client := New(nil)
	t.Cleanup(func() { _ = client.Close() })
	if _, err := client.Connect(sockPath); err != nil {
		t.Fatal(err)
	}
	waitForPeerCount(t, server, 1)

	_ = client.Close()

	ev := waitEvent(t, server)
	if ev.Err == nil {
		t.Fatal("expected a disconnect event after closing the client side")
	}
	waitForPeerCount(t, server, 0)
}

func TestAcceptClosesConnectionWhenTableFull(t *testing.T) {
	_, sockPath := newListener(t)

	client := New(nil)
	t.Cleanup(func() { _ = client.Close() })

	for i := 0; i < MaxPeers; i++ {
		if _, err := client.Connect(sockPath); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}

	if _, err := client.Connect(sockPath); err == nil {
		t.Fatal("expected connect to fail once the peer table is full")
	}
}
