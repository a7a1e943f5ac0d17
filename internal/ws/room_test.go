package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeSink records every frame delivered to a participant.
type fakeSink struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *fakeSink) Deliver(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	s.msgs = append(s.msgs, cp)
	return true
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *fakeSink) frame(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[i]
}

func TestRoomSequenceGapless(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)
	if err := r.join(Participant{UserID: 1, Name: "alice"}, &fakeSink{}, now); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Joins must not consume sequence numbers: the first published
	// message gets seq 1 regardless of how many joins preceded it.
	for i := 0; i < 5; i++ {
		msg, err := r.publish(1, "alice", KindChatMessage, []byte(`{"text":"hi"}`), now)
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if msg.Seq != uint64(i+1) {
			t.Errorf("message %d: seq = %d, want %d", i, msg.Seq, i+1)
		}
	}
}

func TestRoomJoinDoesNotEnterReplayBuffer(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)
	r.join(Participant{UserID: 1, Name: "alice"}, &fakeSink{}, now)
	r.join(Participant{UserID: 2, Name: "bob"}, &fakeSink{}, now)

	if got := r.replay(0); len(got) != 0 {
		t.Fatalf("replay after joins = %d messages, want 0", len(got))
	}
}

func TestRoomRejectsInvalidKind(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)
	r.join(Participant{UserID: 1, Name: "alice"}, &fakeSink{}, now)

	// Signaling payloads are not allowed in chat rooms.
	if _, err := r.publish(1, "alice", KindSignalOffer, []byte(`{"sdp":"x"}`), now); err != ErrInvalidMessageKind {
		t.Fatalf("publish signal.offer to chat room: err = %v, want ErrInvalidMessageKind", err)
	}
}

func TestRoomRejectsNonMember(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)

	if _, err := r.publish(7, "eve", KindChatMessage, []byte(`{"text":"hi"}`), now); err != ErrNotMember {
		t.Fatalf("publish from non-member: err = %v, want ErrNotMember", err)
	}
}

func TestRoomCapacityLimit(t *testing.T) {
	now := time.Now()
	r := newRoom("s1", RoomSignaling, 512, 2, now)

	if err := r.join(Participant{UserID: 1}, &fakeSink{}, now); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := r.join(Participant{UserID: 2}, &fakeSink{}, now); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if err := r.join(Participant{UserID: 3}, &fakeSink{}, now); err != ErrRoomCapacityExceeded {
		t.Fatalf("third join: err = %v, want ErrRoomCapacityExceeded", err)
	}
	// An existing member may rejoin even when the room is full.
	if err := r.join(Participant{UserID: 2}, &fakeSink{}, now); err != nil {
		t.Fatalf("rejoin of existing member: %v", err)
	}
}

func TestRoomReplayRetentionBound(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 3, 0, now)
	r.join(Participant{UserID: 1, Name: "alice"}, &fakeSink{}, now)

	for i := 0; i < 5; i++ {
		if _, err := r.publish(1, "alice", KindChatMessage, []byte(`{"text":"m"}`), now); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := r.replay(0)
	if len(got) != 3 {
		t.Fatalf("replay = %d messages, want 3 (retention bound)", len(got))
	}
	// Oldest messages are evicted first; sequence numbers stay continuous.
	for i, m := range got {
		if want := uint64(i + 3); m.Seq != want {
			t.Errorf("replay[%d].Seq = %d, want %d", i, m.Seq, want)
		}
	}
}

func TestRoomReplaySince(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)
	r.join(Participant{UserID: 1, Name: "alice"}, &fakeSink{}, now)

	for i := 0; i < 4; i++ {
		r.publish(1, "alice", KindChatMessage, []byte(`{"text":"m"}`), now)
	}

	got := r.replay(2)
	if len(got) != 2 {
		t.Fatalf("replay(2) = %d messages, want 2", len(got))
	}
	if got[0].Seq != 3 || got[1].Seq != 4 {
		t.Errorf("replay(2) seqs = %d,%d, want 3,4", got[0].Seq, got[1].Seq)
	}
}

func TestRoomFanoutExcludesSender(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)
	a, b := &fakeSink{}, &fakeSink{}
	r.join(Participant{UserID: 1, Name: "alice"}, a, now)
	r.join(Participant{UserID: 2, Name: "bob"}, b, now)

	// a saw bob's presence frame, b saw nothing yet
	aBase, bBase := a.count(), b.count()

	r.publish(1, "alice", KindChatMessage, []byte(`{"text":"hello"}`), now)

	if a.count() != aBase {
		t.Errorf("sender received its own message")
	}
	if b.count() != bBase+1 {
		t.Fatalf("recipient frames = %d, want %d", b.count(), bBase+1)
	}
	var msg Message
	if err := json.Unmarshal(b.frame(bBase), &msg); err != nil {
		t.Fatalf("decode delivered frame: %v", err)
	}
	if msg.Seq != 1 || msg.Kind != KindChatMessage || msg.SenderID != 1 {
		t.Errorf("delivered message = %+v", msg)
	}
}

func TestRoomTypingFlagTracked(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)
	r.join(Participant{UserID: 1, Name: "alice"}, &fakeSink{}, now)

	r.publish(1, "alice", KindTyping, []byte(`{"is_typing":true}`), now)
	ps := r.participants()
	if len(ps) != 1 || !ps[0].Typing {
		t.Fatalf("after typing=true: participants = %+v", ps)
	}

	r.publish(1, "alice", KindTyping, []byte(`{"is_typing":false}`), now)
	ps = r.participants()
	if ps[0].Typing {
		t.Errorf("after typing=false: flag still set")
	}
}

func TestRoomSweepForceLeave(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)
	a, b := &fakeSink{}, &fakeSink{}
	r.join(Participant{UserID: 1, Name: "alice"}, a, now)
	r.join(Participant{UserID: 2, Name: "bob"}, b, now)

	// bob heartbeats at +30s, alice never does
	r.heartbeat(2, now.Add(30*time.Second))

	departed := r.sweep(now.Add(70*time.Second), 60*time.Second)
	if len(departed) != 1 || departed[0].UserID != 1 {
		t.Fatalf("departed = %+v, want alice only", departed)
	}
	if r.online() != 1 {
		t.Errorf("online = %d, want 1", r.online())
	}

	// The forced departure is a sequenced system event visible in replay.
	msgs := r.replay(0)
	if len(msgs) != 1 {
		t.Fatalf("replay = %d messages, want 1", len(msgs))
	}
	if msgs[0].Kind != KindSystemEvent || msgs[0].Seq != 1 {
		t.Fatalf("replay[0] = %+v", msgs[0])
	}
	var ev SystemEvent
	if err := json.Unmarshal(msgs[0].Payload, &ev); err != nil {
		t.Fatalf("decode system event: %v", err)
	}
	if ev.Event != "participant_left" || ev.UserID != 1 || ev.Reason != "timeout" {
		t.Errorf("system event = %+v", ev)
	}
}

func TestRoomLeaveSinkMismatch(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)
	old, fresh := &fakeSink{}, &fakeSink{}
	r.join(Participant{UserID: 1, Name: "alice"}, old, now)
	r.join(Participant{UserID: 1, Name: "alice"}, fresh, now)

	// The stale connection's teardown no-ops; the member survives.
	if r.leave(1, old, "leave", now) {
		t.Fatal("leave with superseded sink removed the member")
	}
	if r.online() != 1 {
		t.Fatalf("online = %d, want 1", r.online())
	}

	if !r.leave(1, fresh, "leave", now) {
		t.Fatal("leave with current sink did not remove the member")
	}
	if r.online() != 0 {
		t.Fatalf("online = %d, want 0", r.online())
	}
}

func TestRoomExpiry(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)
	r.join(Participant{UserID: 1, Name: "alice"}, &fakeSink{}, now)

	if r.expired(now.Add(time.Hour), time.Minute) {
		t.Fatal("occupied room reported expired")
	}

	r.leave(1, nil, "leave", now)
	if r.expired(now.Add(30*time.Second), time.Minute) {
		t.Fatal("room expired before grace period elapsed")
	}
	if !r.expired(now.Add(2*time.Minute), time.Minute) {
		t.Fatal("room not expired after grace period")
	}
}

func TestRoomRejoinResetsExpiry(t *testing.T) {
	now := time.Now()
	r := newRoom("r1", RoomChat, 512, 0, now)
	r.join(Participant{UserID: 1, Name: "alice"}, &fakeSink{}, now)
	r.leave(1, nil, "leave", now)

	// A join within the grace period cancels the expiry timer.
	r.join(Participant{UserID: 2, Name: "bob"}, &fakeSink{}, now.Add(30*time.Second))
	if r.expired(now.Add(time.Hour), time.Minute) {
		t.Fatal("re-occupied room reported expired")
	}
}
