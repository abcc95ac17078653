package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go-messenger/internal/event"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSender struct {
	mu        sync.Mutex
	reachable map[int64]bool
	got       map[int64][]event.Envelope
	// runs before each delivery attempt
	onSend func(userID int64)
}

func newFakeSender(reachable ...int64) *fakeSender {
	s := &fakeSender{reachable: map[int64]bool{}, got: map[int64][]event.Envelope{}}
	for _, u := range reachable {
		s.reachable[u] = true
	}
	return s
}

func (s *fakeSender) SendToUser(userID int64, payload []byte) int {
	if s.onSend != nil {
		s.onSend(userID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reachable[userID] {
		return 0
	}
	env, err := event.Decode(payload)
	if err != nil {
		panic(err)
	}
	s.got[userID] = append(s.got[userID], env)
	return 1
}

func (s *fakeSender) types(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.got[userID] {
		out = append(out, e.Type)
	}
	return out
}

func (s *fakeSender) last(userID int64) event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.got[userID]
	if len(evs) == 0 {
		return event.Envelope{}
	}
	return evs[len(evs)-1]
}

func (s *fakeSender) setReachable(userID int64, ok bool) {
	s.mu.Lock()
	s.reachable[userID] = ok
	s.mu.Unlock()
}

type fakePresence map[int64]bool

func (p fakePresence) IsOnline(_ context.Context, userID int64) bool { return p[userID] }

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
)

var offer = json.RawMessage(`{"sdp":"offer"}`)

func setup(t *testing.T, online ...int64) (*Relay, *fakeSender, fakePresence, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sender := newFakeSender(online...)
	pres := fakePresence{}
	for _, u := range online {
		pres[u] = true
	}
	r := NewRelay(rdb, sender, pres, zap.NewNop(), WithTTLs(300*time.Second, 60*time.Second))
	return r, sender, pres, mr
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestInviteAnswerEnd(t *testing.T) {
	r, sender, _, _ := setup(t, alice, bob)
	ctx := context.Background()

	if err := r.Invite(ctx, alice, "alice", bob, 10, offer); err != nil {
		t.Fatal(err)
	}
	if got := sender.types(bob); !equal(got, []string{event.CallIncoming}) {
		t.Fatalf("bob got %v", got)
	}
	var inc event.CallIncomingPayload
	sender.last(bob).Bind(&inc)
	if inc.From != alice || inc.FromName != "alice" || inc.ConversationID != 10 {
		t.Errorf("incoming payload = %+v", inc)
	}

	st, ok := r.State(ctx, bob)
	if !ok || st.Status != statusRinging || st.Role != roleCallee || st.Counterpart != alice {
		t.Fatalf("bob state = %+v, %v", st, ok)
	}

	if err := r.Answer(ctx, bob, alice, json.RawMessage(`{"sdp":"answer"}`)); err != nil {
		t.Fatal(err)
	}
	if got := sender.types(alice); !equal(got, []string{event.CallAnswered}) {
		t.Fatalf("alice got %v", got)
	}
	for _, u := range []int64{alice, bob} {
		st, _ := r.State(ctx, u)
		if st.Status != statusConnected {
			t.Errorf("user %d status = %q, want connected", u, st.Status)
		}
	}

	if err := r.End(ctx, alice, bob); err != nil {
		t.Fatal(err)
	}
	if sender.last(bob).Type != event.CallEnded {
		t.Errorf("bob last = %s, want call:ended", sender.last(bob).Type)
	}
	for _, u := range []int64{alice, bob} {
		if _, ok := r.State(ctx, u); ok {
			t.Errorf("user %d still has call state after end", u)
		}
	}
}

func TestAnswerAfterEndIsDropped(t *testing.T) {
	r, sender, _, _ := setup(t, alice, bob)
	ctx := context.Background()

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	r.End(ctx, alice, bob)
	r.Answer(ctx, bob, alice, json.RawMessage(`{}`))

	for _, typ := range sender.types(alice) {
		if typ == event.CallAnswered {
			t.Fatal("stale answer relayed to the caller")
		}
	}
	if _, ok := r.State(ctx, alice); ok {
		t.Error("stale answer recreated call state")
	}
}

func TestSecondEndIsNoop(t *testing.T) {
	r, sender, _, _ := setup(t, alice, bob)
	ctx := context.Background()

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	r.Answer(ctx, bob, alice, nil)
	r.End(ctx, alice, bob)
	before := len(sender.types(bob))

	if err := r.End(ctx, alice, bob); err != nil {
		t.Fatal(err)
	}
	if err := r.End(ctx, bob, alice); err != nil {
		t.Fatal(err)
	}
	if len(sender.types(bob)) != before || sender.last(alice).Type == event.CallEnded {
		t.Error("repeated end produced more events")
	}
}

func TestReject(t *testing.T) {
	r, sender, _, _ := setup(t, alice, bob)
	ctx := context.Background()

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	if err := r.Reject(ctx, bob, alice); err != nil {
		t.Fatal(err)
	}
	if sender.last(alice).Type != event.CallRejected {
		t.Fatalf("alice last = %s", sender.last(alice).Type)
	}
	if _, ok := r.State(ctx, alice); ok {
		t.Error("caller state kept after reject")
	}

	// answering a rejected call does nothing
	r.Answer(ctx, bob, alice, nil)
	if sender.last(alice).Type != event.CallRejected {
		t.Error("answer relayed after reject")
	}
}

func TestUnreachableRecipientGetsPendingInviteOnce(t *testing.T) {
	r, sender, pres, mr := setup(t, alice)
	ctx := context.Background()

	if err := r.Invite(ctx, alice, "alice", bob, 10, offer); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.State(ctx, alice); ok {
		t.Error("state left ringing for an unreachable recipient")
	}
	if !mr.Exists(PendingKey(bob)) {
		t.Fatal("no pending invite stored")
	}

	// bob reconnects
	pres[bob] = true
	sender.setReachable(bob, true)

	ok, err := r.Redeliver(ctx, bob)
	if err != nil || !ok {
		t.Fatalf("Redeliver = %v, %v", ok, err)
	}
	var inc event.CallIncomingPayload
	sender.last(bob).Bind(&inc)
	if inc.From != alice || string(inc.Offer) != string(offer) {
		t.Errorf("redelivered payload = %+v", inc)
	}

	ok, _ = r.Redeliver(ctx, bob)
	if ok {
		t.Error("pending invite delivered twice")
	}
	if n := len(sender.types(bob)); n != 1 {
		t.Errorf("bob got %d events, want 1", n)
	}

	// redelivered call can be answered
	r.Answer(ctx, bob, alice, nil)
	if sender.last(alice).Type != event.CallAnswered {
		t.Error("redelivered call could not be answered")
	}
}

func TestPendingInviteExpires(t *testing.T) {
	r, sender, _, mr := setup(t, alice)
	ctx := context.Background()

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	mr.FastForward(61 * time.Second)
	sender.setReachable(bob, true)

	if ok, _ := r.Redeliver(ctx, bob); ok {
		t.Error("expired invite redelivered")
	}
}

func TestCallerHangupClearsPendingInvite(t *testing.T) {
	r, sender, _, _ := setup(t, alice)
	ctx := context.Background()

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	r.End(ctx, alice, bob)
	sender.setReachable(bob, true)

	if ok, _ := r.Redeliver(ctx, bob); ok {
		t.Error("invite redelivered after the caller hung up")
	}
}

func TestOnlineButNoLocalConnectionFallsBackToPending(t *testing.T) {
	r, sender, pres, mr := setup(t, alice)
	ctx := context.Background()
	pres[bob] = true // stale presence, no connection

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	if _, ok := r.State(ctx, alice); ok {
		t.Error("ringing state kept although no connection received the invite")
	}
	if !mr.Exists(PendingKey(bob)) {
		t.Error("pending invite not stored")
	}
	if len(sender.types(bob)) != 0 {
		t.Error("unexpected delivery")
	}
}

func TestIceCandidate(t *testing.T) {
	r, sender, _, _ := setup(t, alice, bob)
	ctx := context.Background()
	cand := json.RawMessage(`{"candidate":"x"}`)

	// no call yet
	r.IceCandidate(ctx, alice, bob, cand)
	if len(sender.types(bob)) != 0 {
		t.Fatal("candidate relayed without a call")
	}

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	r.IceCandidate(ctx, alice, bob, cand)
	if sender.last(bob).Type != event.CallIce {
		t.Fatalf("bob last = %s, want ice", sender.last(bob).Type)
	}

	r.End(ctx, bob, alice)
	n := len(sender.types(alice))
	r.IceCandidate(ctx, bob, alice, cand)
	if len(sender.types(alice)) != n {
		t.Error("candidate relayed after end")
	}
}

func TestGlareLowerIDWins(t *testing.T) {
	r, sender, _, _ := setup(t, alice, bob)
	ctx := context.Background()

	// bob (2) calls alice (1) first, then alice calls bob: alice keeps the call
	r.Invite(ctx, bob, "bob", alice, 10, offer)
	r.Invite(ctx, alice, "alice", bob, 10, offer)

	if got := sender.types(bob); !equal(got, []string{event.CallRejected, event.CallIncoming}) {
		t.Fatalf("bob got %v", got)
	}
	var rej event.CallRejectedPayload
	sender.got[bob][0].Bind(&rej)
	if rej.Reason != "glare" {
		t.Errorf("reason = %q, want glare", rej.Reason)
	}
	st, _ := r.State(ctx, alice)
	if st.Role != roleCaller || st.Counterpart != bob {
		t.Errorf("alice state = %+v", st)
	}
}

func TestGlareHigherIDLoses(t *testing.T) {
	r, sender, _, _ := setup(t, alice, bob)
	ctx := context.Background()

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	r.Invite(ctx, bob, "bob", alice, 10, offer)

	if got := sender.types(bob); !equal(got, []string{event.CallIncoming, event.CallRejected}) {
		t.Fatalf("bob got %v", got)
	}
	if got := sender.types(alice); len(got) != 0 {
		t.Errorf("alice got %v, want nothing", got)
	}
	st, _ := r.State(ctx, bob)
	if st.Role != roleCallee || st.Status != statusRinging {
		t.Errorf("bob state = %+v", st)
	}
}

func TestBusyRecipient(t *testing.T) {
	r, sender, pres, _ := setup(t, alice, bob)
	ctx := context.Background()
	pres[carol] = true
	sender.setReachable(carol, true)

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	r.Answer(ctx, bob, alice, nil)

	r.Invite(ctx, carol, "carol", bob, 11, offer)
	var rej event.CallRejectedPayload
	sender.last(carol).Bind(&rej)
	if sender.last(carol).Type != event.CallRejected || rej.Reason != "busy" {
		t.Errorf("carol last = %s %+v", sender.last(carol).Type, rej)
	}
	st, _ := r.State(ctx, bob)
	if st.Counterpart != alice || st.Status != statusConnected {
		t.Error("busy invite disturbed the live call")
	}
}

func TestConnectedCallerCannotRingSomeoneElse(t *testing.T) {
	r, sender, _, _ := setup(t, alice, bob, carol)
	ctx := context.Background()

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	r.Answer(ctx, bob, alice, nil)

	if err := r.Invite(ctx, alice, "alice", carol, 11, offer); err != nil {
		t.Fatal(err)
	}
	var rej event.CallRejectedPayload
	sender.last(alice).Bind(&rej)
	if sender.last(alice).Type != event.CallRejected || rej.Reason != "in_call" {
		t.Errorf("alice last = %s %+v", sender.last(alice).Type, rej)
	}
	if got := sender.types(carol); len(got) != 0 {
		t.Errorf("carol got %v", got)
	}
	for _, u := range []int64{alice, bob} {
		st, ok := r.State(ctx, u)
		if !ok || st.Status != statusConnected || (st.Counterpart != alice && st.Counterpart != bob) {
			t.Errorf("state of %d = %+v, live call overwritten", u, st)
		}
	}

	// the live call still relays candidates
	r.IceCandidate(ctx, bob, alice, json.RawMessage(`{"candidate":"c"}`))
	if sender.last(alice).Type != event.CallIce {
		t.Errorf("alice last = %s, want ice candidate", sender.last(alice).Type)
	}
}

func TestRingingCallerCannotRingSomeoneElse(t *testing.T) {
	r, sender, _, _ := setup(t, alice, bob, carol)
	ctx := context.Background()

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	r.Invite(ctx, alice, "alice", carol, 11, offer)

	if got := sender.types(carol); len(got) != 0 {
		t.Errorf("carol got %v", got)
	}
	st, _ := r.State(ctx, bob)
	if st.Counterpart != alice || st.Status != statusRinging {
		t.Errorf("bob state = %+v", st)
	}
}

func TestRedeliverRollbackFailureIsLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	core, logs := observer.New(zap.WarnLevel)
	sender := newFakeSender()
	r := NewRelay(rdb, sender, fakePresence{}, zap.New(core), WithTTLs(300*time.Second, 60*time.Second))
	ctx := context.Background()

	// bob is offline, so the invite is kept for later
	if err := r.Invite(ctx, alice, "alice", bob, 10, offer); err != nil {
		t.Fatal(err)
	}

	// bob's connection vanishes and redis fails right as the invite goes out
	sender.onSend = func(int64) { mr.SetError("ERR down") }
	ok, err := r.Redeliver(ctx, bob)
	if ok || err != nil {
		t.Fatalf("redeliver = %v, %v", ok, err)
	}
	if logs.FilterMessage("rollback redelivered ringing state").Len() != 1 {
		t.Errorf("rollback failure not logged: %v", logs.All())
	}
}

func TestHeartbeatKeepsStateAlive(t *testing.T) {
	r, _, _, mr := setup(t, alice, bob)
	ctx := context.Background()

	r.Invite(ctx, alice, "alice", bob, 10, offer)
	r.Answer(ctx, bob, alice, nil)

	mr.FastForward(200 * time.Second)
	r.Heartbeat(ctx, alice)
	mr.FastForward(200 * time.Second)

	if _, ok := r.State(ctx, alice); !ok {
		t.Error("heartbeat did not extend alice's state")
	}
	if _, ok := r.State(ctx, bob); ok {
		t.Error("bob's state outlived its TTL without a heartbeat")
	}
}

func TestSelfCall(t *testing.T) {
	r, _, _, _ := setup(t, alice)
	if err := r.Invite(context.Background(), alice, "alice", alice, 1, offer); err == nil {
		t.Error("self call accepted")
	}
}
