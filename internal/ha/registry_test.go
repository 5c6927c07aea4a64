package ha

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type stubSource struct {
	byToken map[string][]string
	err     error
	calls   int
}

func (s *stubSource) GetTokenEntities(_ context.Context, tokenID string) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.byToken[tokenID], nil
}

func drain(sub Subscriber) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSubscribe_PopulatesEntityCacheOnce(t *testing.T) {
	src := &stubSource{byToken: map[string][]string{"tok1": {"light.a", "switch.b"}}}
	r := NewRegistry(src, 4)
	ctx := context.Background()

	s1, err := r.Subscribe(ctx, "tok1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	s2, err := r.Subscribe(ctx, "tok1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("entity source hit %d times, want 1", src.calls)
	}
	if _, ok := r.CachedEntities("tok1"); !ok {
		t.Fatal("no cache entry after subscribe")
	}

	// Last unsubscribe drops the cache entry together with the set.
	r.Unsubscribe("tok1", s1)
	if _, ok := r.CachedEntities("tok1"); !ok {
		t.Fatal("cache entry dropped while a subscriber remains")
	}
	r.Unsubscribe("tok1", s2)
	if _, ok := r.CachedEntities("tok1"); ok {
		t.Fatal("cache entry survived the last unsubscribe")
	}
}

func TestSubscribe_SourceErrorFailsSubscribe(t *testing.T) {
	src := &stubSource{err: errors.New("db down")}
	r := NewRegistry(src, 4)

	if _, err := r.Subscribe(context.Background(), "tok1"); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := r.CachedEntities("tok1"); ok {
		t.Fatal("failed subscribe left a cache entry")
	}
}

func TestFanOut_FiltersByCachedEntities(t *testing.T) {
	src := &stubSource{byToken: map[string][]string{
		"tok1": {"light.a"},
		"tok2": {"switch.b"},
	}}
	r := NewRegistry(src, 4)
	ctx := context.Background()

	s1, _ := r.Subscribe(ctx, "tok1")
	s2, _ := r.Subscribe(ctx, "tok2")

	r.FanOut("light.a", json.RawMessage(`{"state":"on"}`))

	if got := drain(s1); len(got) != 1 || got[0].EntityID != "light.a" || got[0].Type != EventStateChange {
		t.Fatalf("tok1 got %#v", got)
	}
	if got := drain(s2); len(got) != 0 {
		t.Fatalf("tok2 got %#v, want nothing", got)
	}
}

func TestFanOut_DropsOnFullChannel(t *testing.T) {
	src := &stubSource{byToken: map[string][]string{"tok1": {"light.a"}}}
	r := NewRegistry(src, 2)
	ctx := context.Background()

	sub, _ := r.Subscribe(ctx, "tok1")
	for i := 0; i < 5; i++ {
		r.FanOut("light.a", json.RawMessage(`{}`))
	}
	if got := drain(sub); len(got) != 2 {
		t.Fatalf("queued %d events, want capacity 2", len(got))
	}
	// The registry must still be usable after drops.
	r.FanOut("light.a", json.RawMessage(`{}`))
	if got := drain(sub); len(got) != 1 {
		t.Fatalf("delivery broken after drops: got %d", len(got))
	}
}

func TestInvalidate_RefreshesLiveSubscribers(t *testing.T) {
	src := &stubSource{byToken: map[string][]string{"tok1": {"light.a"}}}
	r := NewRegistry(src, 4)
	ctx := context.Background()

	sub, _ := r.Subscribe(ctx, "tok1")
	src.byToken["tok1"] = []string{"switch.b"}
	r.InvalidateEntityCache(ctx, "tok1")

	r.FanOut("light.a", json.RawMessage(`{}`))
	if got := drain(sub); len(got) != 0 {
		t.Fatal("event for removed entity still delivered")
	}
	r.FanOut("switch.b", json.RawMessage(`{}`))
	if got := drain(sub); len(got) != 1 {
		t.Fatal("event for added entity not delivered")
	}
}

func TestInvalidate_NoSubscribersDropsEntry(t *testing.T) {
	src := &stubSource{byToken: map[string][]string{"tok1": {"light.a"}}}
	r := NewRegistry(src, 4)

	fetches := src.calls
	r.InvalidateEntityCache(context.Background(), "tok1")
	if src.calls != fetches {
		t.Fatal("invalidate without subscribers hit the entity source")
	}
	if _, ok := r.CachedEntities("tok1"); ok {
		t.Fatal("cache entry present without subscribers")
	}
}

func TestInvalidate_FetchFailureFailsClosed(t *testing.T) {
	src := &stubSource{byToken: map[string][]string{"tok1": {"light.a"}}}
	r := NewRegistry(src, 4)
	ctx := context.Background()

	sub, _ := r.Subscribe(ctx, "tok1")
	src.err = errors.New("db down")
	r.InvalidateEntityCache(ctx, "tok1")

	// Dropped entry matches nothing: better no events than wrong events.
	r.FanOut("light.a", json.RawMessage(`{}`))
	if got := drain(sub); len(got) != 0 {
		t.Fatal("stale cache served after failed refresh")
	}
}

func TestBroadcastTokenExpired_TargetsOneToken(t *testing.T) {
	src := &stubSource{byToken: map[string][]string{
		"tok1": {"light.a"},
		"tok2": {"light.a"},
	}}
	r := NewRegistry(src, 4)
	ctx := context.Background()

	s1, _ := r.Subscribe(ctx, "tok1")
	s2, _ := r.Subscribe(ctx, "tok2")

	r.BroadcastTokenExpired("tok1")
	if got := drain(s1); len(got) != 1 || got[0].Type != EventTokenExpired {
		t.Fatalf("tok1 got %#v", got)
	}
	if got := drain(s2); len(got) != 0 {
		t.Fatal("expiry leaked to another token")
	}
}

func TestBroadcastAll_IgnoresEntityFilters(t *testing.T) {
	src := &stubSource{byToken: map[string][]string{
		"tok1": {"light.a"},
		"tok2": {}, // empty allowlist still gets control events
	}}
	r := NewRegistry(src, 4)
	ctx := context.Background()

	s1, _ := r.Subscribe(ctx, "tok1")
	s2, _ := r.Subscribe(ctx, "tok2")

	r.BroadcastAll(Event{Type: EventReconnected})
	for name, sub := range map[string]Subscriber{"tok1": s1, "tok2": s2} {
		if got := drain(sub); len(got) != 1 || got[0].Type != EventReconnected {
			t.Fatalf("%s got %#v", name, got)
		}
	}
}
