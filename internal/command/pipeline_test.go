package command

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/dropDatabas3/hapass/internal/audit"
	"github.com/dropDatabas3/hapass/internal/rate"
)

type fakeEntities struct {
	byToken map[string][]string
	err     error
	calls   int
}

func (f *fakeEntities) GetTokenEntities(_ context.Context, tokenID string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byToken[tokenID], nil
}

type fakeUpstream struct {
	domain, service string
	data            map[string]any
	err             error
	calls           int
}

func (f *fakeUpstream) CallService(_ context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	f.calls++
	f.domain, f.service, f.data = domain, service, data
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`[]`), nil
}

func newTestPipeline(t *testing.T, entities *fakeEntities, upstream *fakeUpstream, rpm int) *Pipeline {
	t.Helper()
	return NewPipeline(Config{
		CommandRPM: rpm,
		AllowedServices: map[string][]string{
			"light":  {"turn_on", "turn_off", "toggle"},
			"switch": {"turn_on", "turn_off"},
		},
		ForbiddenDataKeys: []string{"entity_id", "device_id", "area_id", "floor_id"},
	}, rate.NewSlidingWindow(), entities, upstream, audit.NewRecorder(nil))
}

func TestExecute_HappyPath(t *testing.T) {
	ents := &fakeEntities{byToken: map[string][]string{"tok1": {"light.living_room"}}}
	up := &fakeUpstream{}
	p := newTestPipeline(t, ents, up, 10)

	res, err := p.Execute(context.Background(), "tok1", Request{
		EntityID: "light.living_room",
		Service:  "turn_on",
		Data:     map[string]any{"brightness": 200},
	}, CallerMeta{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Execute err: %v", err)
	}
	if string(res) != `[]` {
		t.Fatalf("unexpected result: %s", res)
	}
	if up.domain != "light" || up.service != "turn_on" {
		t.Fatalf("forwarded %s.%s", up.domain, up.service)
	}
}

func TestExecute_QualifiedServiceName(t *testing.T) {
	ents := &fakeEntities{byToken: map[string][]string{"tok1": {"light.a"}}}
	up := &fakeUpstream{}
	p := newTestPipeline(t, ents, up, 10)

	if _, err := p.Execute(context.Background(), "tok1", Request{
		EntityID: "light.a",
		Service:  "light.turn_on",
	}, CallerMeta{}); err != nil {
		t.Fatalf("qualified service: %v", err)
	}
	if up.service != "turn_on" {
		t.Fatalf("domain prefix not stripped: %q", up.service)
	}
}

func TestExecute_PayloadScrubbedAndPinned(t *testing.T) {
	ents := &fakeEntities{byToken: map[string][]string{"tok1": {"light.a"}}}
	up := &fakeUpstream{}
	p := newTestPipeline(t, ents, up, 10)

	_, err := p.Execute(context.Background(), "tok1", Request{
		EntityID: "light.a",
		Service:  "turn_on",
		Data: map[string]any{
			"brightness": 128,
			"entity_id":  "light.bedroom", // must not re-target
			"device_id":  "dev42",
			"area_id":    "kitchen",
			"floor_id":   "upstairs",
		},
	}, CallerMeta{})
	if err != nil {
		t.Fatalf("Execute err: %v", err)
	}
	want := map[string]any{"brightness": 128, "entity_id": "light.a"}
	if !reflect.DeepEqual(up.data, want) {
		t.Fatalf("forwarded data = %#v, want %#v", up.data, want)
	}
}

func TestExecute_DenialOutcomes(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"malformed uppercase", Request{EntityID: "light.a", Service: "Turn_On"}, ErrMalformedService},
		{"malformed two dots", Request{EntityID: "light.a", Service: "a.b.c"}, ErrMalformedService},
		{"malformed empty", Request{EntityID: "light.a", Service: ""}, ErrMalformedService},
		{"entity not owned", Request{EntityID: "light.other", Service: "turn_on"}, ErrEntityForbidden},
		{"domain mismatch", Request{EntityID: "light.a", Service: "switch.turn_on"}, ErrDomainMismatch},
		{"service not allowed", Request{EntityID: "light.a", Service: "set_color"}, ErrServiceNotAllowed},
		{"domain not allowed", Request{EntityID: "lock.door", Service: "unlock"}, ErrServiceNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ents := &fakeEntities{byToken: map[string][]string{
				"tok1": {"light.a", "lock.door"},
			}}
			up := &fakeUpstream{}
			p := newTestPipeline(t, ents, up, 10)

			_, err := p.Execute(context.Background(), "tok1", tc.req, CallerMeta{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if up.calls != 0 {
				t.Fatalf("denied command reached upstream")
			}
		})
	}
}

func TestExecute_RateLimitBeforeEverything(t *testing.T) {
	ents := &fakeEntities{byToken: map[string][]string{"tok1": {"light.a"}}}
	up := &fakeUpstream{}
	p := newTestPipeline(t, ents, up, 2)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.Execute(ctx, "tok1", Request{EntityID: "light.a", Service: "turn_on"}, CallerMeta{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	lookupsBefore := ents.calls
	_, err := p.Execute(ctx, "tok1", Request{EntityID: "light.a", Service: "turn_on"}, CallerMeta{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
	if ents.calls != lookupsBefore {
		t.Fatalf("rate-limited command still hit the entity store")
	}
}

func TestExecute_LiveAllowlistNotCache(t *testing.T) {
	// The entity source is consulted on every call; pulling the entity out
	// from under the token denies the next command immediately.
	ents := &fakeEntities{byToken: map[string][]string{"tok1": {"light.a"}}}
	up := &fakeUpstream{}
	p := newTestPipeline(t, ents, up, 10)
	ctx := context.Background()

	if _, err := p.Execute(ctx, "tok1", Request{EntityID: "light.a", Service: "turn_on"}, CallerMeta{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ents.byToken["tok1"] = nil
	_, err := p.Execute(ctx, "tok1", Request{EntityID: "light.a", Service: "turn_on"}, CallerMeta{})
	if !errors.Is(err, ErrEntityForbidden) {
		t.Fatalf("got %v, want ErrEntityForbidden", err)
	}
}

func TestExecute_UpstreamFailureIsNotADenial(t *testing.T) {
	ents := &fakeEntities{byToken: map[string][]string{"tok1": {"light.a"}}}
	up := &fakeUpstream{err: errors.New("boom")}
	p := newTestPipeline(t, ents, up, 10)

	_, err := p.Execute(context.Background(), "tok1", Request{EntityID: "light.a", Service: "turn_on"}, CallerMeta{})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("got %v, want ErrUpstream", err)
	}
	for _, denial := range []error{ErrRateLimited, ErrMalformedService, ErrEntityForbidden, ErrDomainMismatch, ErrServiceNotAllowed} {
		if errors.Is(err, denial) {
			t.Fatalf("upstream failure matched denial %v", denial)
		}
	}
}

func TestExecute_EntityLookupFailureFailsClosed(t *testing.T) {
	ents := &fakeEntities{err: errors.New("db down")}
	up := &fakeUpstream{}
	p := newTestPipeline(t, ents, up, 10)

	_, err := p.Execute(context.Background(), "tok1", Request{EntityID: "light.a", Service: "turn_on"}, CallerMeta{})
	if !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("got %v, want ErrLookupFailed", err)
	}
	if errors.Is(err, ErrUpstream) {
		t.Fatal("store failure blamed on the upstream")
	}
	if up.calls != 0 {
		t.Fatal("command reached upstream without an ownership check")
	}
}
