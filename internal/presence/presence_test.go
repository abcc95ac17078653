package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, 60*time.Second, zap.NewNop()), mr
}

func TestOnlineThenExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.SetOnline(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if !s.IsOnline(ctx, 1) {
		t.Fatal("user should be online right after SetOnline")
	}

	mr.FastForward(30 * time.Second)
	if !s.IsOnline(ctx, 1) {
		t.Fatal("user should still be online inside the TTL")
	}

	mr.FastForward(31 * time.Second)
	if s.IsOnline(ctx, 1) {
		t.Error("user still online after TTL + epsilon without refresh")
	}
}

func TestRefreshExtends(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	s.SetOnline(ctx, 1)
	for i := 0; i < 5; i++ {
		mr.FastForward(50 * time.Second)
		if err := s.Refresh(ctx, 1); err != nil {
			t.Fatal(err)
		}
	}
	if !s.IsOnline(ctx, 1) {
		t.Error("refreshed user went offline")
	}
}

func TestSetOffline(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SetOnline(ctx, 1)
	s.SetLocation(ctx, 1, 10, 20)
	if err := s.SetOffline(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if s.IsOnline(ctx, 1) {
		t.Error("user online after SetOffline")
	}
	if _, _, ok := s.Location(ctx, 1); ok {
		t.Error("location kept after SetOffline")
	}
}

func TestAreOnline(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SetOnline(ctx, 1)
	s.SetOnline(ctx, 3)

	got := s.AreOnline(ctx, []int64{1, 2, 3})
	want := map[int64]bool{1: true, 2: false, 3: true}
	for id, w := range want {
		if got[id] != w {
			t.Errorf("user %d online = %v, want %v", id, got[id], w)
		}
	}
	if len(s.AreOnline(ctx, nil)) != 0 {
		t.Error("empty query should give empty result")
	}
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	s.SetOnline(ctx, 1)
	mr.Close()

	if s.IsOnline(ctx, 1) {
		t.Error("IsOnline should report offline when the store is unreachable")
	}
	got := s.AreOnline(ctx, []int64{1, 2})
	if got[1] || got[2] || len(got) != 2 {
		t.Errorf("AreOnline = %v, want all offline", got)
	}
}

func TestLocation(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.SetLocation(ctx, 4, 91, 0); err == nil {
		t.Error("latitude 91 accepted")
	}
	if err := s.SetLocation(ctx, 4, 0, -181); err == nil {
		t.Error("longitude -181 accepted")
	}

	if err := s.SetLocation(ctx, 4, 52.52, 13.405); err != nil {
		t.Fatal(err)
	}
	lat, lon, ok := s.Location(ctx, 4)
	if !ok || lat != 52.52 || lon != 13.405 {
		t.Errorf("Location = %v,%v,%v", lat, lon, ok)
	}

	mr.FastForward(61 * time.Second)
	if _, _, ok := s.Location(ctx, 4); ok {
		t.Error("location outlived the presence TTL")
	}
}

func TestLastSeen(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	fixed := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return fixed }

	s.SetOnline(ctx, 9)
	got, ok := s.LastSeen(ctx, 9)
	if !ok || !got.Equal(fixed) {
		t.Errorf("LastSeen = %v, %v", got, ok)
	}
	if _, ok := s.LastSeen(ctx, 10); ok {
		t.Error("LastSeen for unknown user")
	}
}
