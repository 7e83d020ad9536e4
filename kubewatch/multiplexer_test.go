package kubewatch

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wapc/controller-host/abi/wire"
)

func podsKey() Key {
	return Key{
		Resource:        wire.ResourceRef{Version: "v1", Kind: "Pod"},
		ListParams:      wire.ListParams{},
		ResourceVersion: "0",
	}
}

func newTestMux(t *testing.T, handler http.HandlerFunc) (*Multiplexer, chan Event) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	events := make(chan Event, 64)
	mux := NewMultiplexer(srv.URL, nil, events, zap.NewNop())
	return mux, events
}

func recvEvent(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMultiplexerFansOutToBothSubscribers(t *testing.T) {
	const lines = `{"type":"ADDED","object":{"metadata":{"resourceVersion":"1"},"kind":"Pod"}}
{"type":"MODIFIED","object":{"metadata":{"resourceVersion":"2"},"kind":"Pod"}}
`
	mux, events := newTestMux(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, lines)
	})

	ctx := context.Background()
	mux.Subscribe(ctx, Subscribe{ControllerName: "a", WatchID: 1, Key: podsKey()})
	mux.Subscribe(ctx, Subscribe{ControllerName: "b", WatchID: 2, Key: podsKey()})

	seenA, seenB := 0, 0
	for i := 0; i < 4; i++ {
		ev := recvEvent(t, events)
		switch ev.ControllerName {
		case "a":
			seenA++
		case "b":
			seenB++
		default:
			t.Fatalf("unexpected controller %q", ev.ControllerName)
		}
	}
	if seenA != 2 || seenB != 2 {
		t.Fatalf("seenA=%d seenB=%d, want 2 and 2", seenA, seenB)
	}

	mux.mu.Lock()
	n := len(mux.upstreams)
	mux.mu.Unlock()
	if n != 1 {
		t.Fatalf("upstream count = %d, want 1 (deduplicated)", n)
	}
}

func TestMultiplexerDistinctKeysStayDistinct(t *testing.T) {
	mux, events := newTestMux(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"type":"ADDED","object":{"metadata":{"resourceVersion":"%s"}}}`+"\n", r.URL.Query().Get("resourceVersion"))
	})

	ctx := context.Background()
	keyA := podsKey()
	keyA.ResourceVersion = "100"
	keyB := podsKey()
	keyB.ResourceVersion = "200"

	mux.Subscribe(ctx, Subscribe{ControllerName: "a", WatchID: 1, Key: keyA})
	mux.Subscribe(ctx, Subscribe{ControllerName: "b", WatchID: 2, Key: keyB})

	recvEvent(t, events)
	recvEvent(t, events)

	mux.mu.Lock()
	n := len(mux.upstreams)
	mux.mu.Unlock()
	if n != 2 {
		t.Fatalf("upstream count = %d, want 2 (distinct keys)", n)
	}
}

// seedUpstream registers an upstream for key directly, without opening a
// real connection, so readStream can be driven against a canned stream.
func seedUpstream(mux *Multiplexer, key Key, subs ...Subscribe) *upstream {
	up := &upstream{key: key, subs: subs, cancel: func() {}}
	mux.mu.Lock()
	mux.upstreams[key] = up
	mux.mu.Unlock()
	return up
}

func TestReadStreamForwards410AndSignalsDesync(t *testing.T) {
	events := make(chan Event, 8)
	mux := NewMultiplexer("http://unused.invalid", nil, events, zap.NewNop())

	key := podsKey()
	up := seedUpstream(mux, key, Subscribe{ControllerName: "a", WatchID: 1})

	const stream = `{"type":"ADDED","object":{"metadata":{"resourceVersion":"1"},"kind":"Pod"}}
{"type":"ERROR","object":{"status":"Failure","message":"too old resource version","reason":"Expired","code":410}}
`
	scanner := bufio.NewScanner(strings.NewReader(stream))
	resourceVersion := key.ResourceVersion

	desynced := mux.readStream(context.Background(), up, scanner, &resourceVersion)
	if !desynced {
		t.Fatal("readStream returned false, want true after a 410 Gone")
	}
	if resourceVersion != "1" {
		t.Fatalf("resourceVersion = %q, want 1 (advanced by the ADDED event)", resourceVersion)
	}

	first := recvEvent(t, events)
	added, err := wire.DecodeWatchEvent(first.Payload)
	if err != nil {
		t.Fatalf("decoding first event: %v", err)
	}
	if added.Kind != wire.WatchEventAdded {
		t.Fatalf("first event kind = %d, want Added", added.Kind)
	}

	second := recvEvent(t, events)
	gone, err := wire.DecodeWatchEvent(second.Payload)
	if err != nil {
		t.Fatalf("decoding second event: %v", err)
	}
	if gone.Kind != wire.WatchEventError || gone.Err == nil || gone.Err.Code != 410 {
		t.Fatalf("second event = %+v, want Error with code 410", gone)
	}
}

func TestRemoveControllerStopsFanoutAndTearsDownUpstream(t *testing.T) {
	events := make(chan Event, 8)
	mux := NewMultiplexer("http://unused.invalid", nil, events, zap.NewNop())

	key := podsKey()
	seedUpstream(mux, key,
		Subscribe{ControllerName: "a", WatchID: 1},
		Subscribe{ControllerName: "b", WatchID: 2},
	)

	mux.RemoveController("a")

	mux.fanout(key, wire.WatchStreamEvent{Kind: wire.WatchEventAdded, Object: []byte(`{}`)})
	ev := recvEvent(t, events)
	if ev.ControllerName != "b" || ev.WatchID != 2 {
		t.Fatalf("event delivered to %q/%d, want b/2 only", ev.ControllerName, ev.WatchID)
	}
	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event for %q", extra.ControllerName)
	default:
	}

	mux.RemoveController("b")
	mux.mu.Lock()
	_, stillThere := mux.upstreams[key]
	mux.mu.Unlock()
	if stillThere {
		t.Fatal("upstream survived its last subscriber leaving")
	}
}
