package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// TestReplayLargerThanSendBuffer verifies that a catch-up bigger than
// the connection's send buffer is delivered completely: the replay path
// blocks for buffer space instead of dropping the tail.
func TestReplayLargerThanSendBuffer(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(mock, testConfig())
	gw := NewGateway(reg, testConfig())

	sender := &fakeSink{}
	if _, err := reg.Join("r1", RoomChat, Participant{UserID: 2, Name: "bob"}, sender); err != nil {
		t.Fatalf("join sender: %v", err)
	}
	const backlog = 10
	for i := 0; i < backlog; i++ {
		if _, err := reg.Publish("r1", 2, "bob", KindChatMessage, []byte(`{"text":"m"}`)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	// Reconnecting client with a send buffer much smaller than the backlog.
	c := &Client{gw: gw, send: make(chan []byte, 2), roomID: "r1", userID: 1, name: "alice"}
	if _, err := reg.Join("r1", RoomChat, Participant{UserID: 1, Name: "alice"}, c); err != nil {
		t.Fatalf("join client: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- gw.handleReplay(c, Frame{Type: "replay", RoomID: "r1"}) }()

	// Drain the send channel the way the write pump would.
	var seqs []uint64
	deadline := time.After(5 * time.Second)
	for len(seqs) < backlog {
		select {
		case b := <-c.send:
			var m Message
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if m.Seq == 0 {
				// presence frame from the join, not part of the replay
				continue
			}
			seqs = append(seqs, m.Seq)
		case <-deadline:
			t.Fatalf("replay incomplete: got %d of %d messages", len(seqs), backlog)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("handleReplay: %v", err)
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("seqs = %v, want 1..%d in order", seqs, backlog)
		}
	}
}

// TestReplayStalledConsumer verifies the replay path gives up with an
// error when the peer stops consuming, instead of dropping silently.
func TestReplayStalledConsumer(t *testing.T) {
	c := &Client{send: make(chan []byte, 1)}

	if !c.deliverBlocking([]byte("a"), 10*time.Millisecond) {
		t.Fatal("delivery into free buffer failed")
	}
	// Buffer full and nobody draining: delivery must time out, not drop.
	if c.deliverBlocking([]byte("b"), 10*time.Millisecond) {
		t.Fatal("delivery into full buffer reported success")
	}
}
