package kubewatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wapc/controller-host/abi/wire"
)

// DesyncBackoff is the fixed sleep before an upstream re-lists after a 410
// Gone.
const DesyncBackoff = 10 * time.Second

// Multiplexer owns at most one upstream watch per distinct Key. It is
// safe for concurrent use by multiple controller-facing callers of
// Subscribe and RemoveController.
type Multiplexer struct {
	client *streamClient
	events chan<- Event
	log    *zap.Logger

	mu        sync.Mutex
	upstreams map[Key]*upstream
}

type upstream struct {
	key    Key
	subs   []Subscribe
	cancel context.CancelFunc
}

// NewMultiplexer constructs a Multiplexer that fans decoded events onto
// events and talks to the API server at baseURL.
func NewMultiplexer(baseURL string, rt http.RoundTripper, events chan<- Event, log *zap.Logger) *Multiplexer {
	return &Multiplexer{
		client:    newStreamClient(baseURL, rt),
		events:    events,
		log:       log,
		upstreams: make(map[Key]*upstream),
	}
}

// Subscribe registers sub. If an upstream already exists for sub.Key it is
// reused; otherwise a new upstream is opened.
func (m *Multiplexer) Subscribe(ctx context.Context, sub Subscribe) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if up, ok := m.upstreams[sub.Key]; ok {
		up.subs = append(up.subs, sub)
		return
	}

	upCtx, cancel := context.WithCancel(ctx)
	up := &upstream{key: sub.Key, subs: []Subscribe{sub}, cancel: cancel}
	m.upstreams[sub.Key] = up
	go m.run(upCtx, up)
}

// RemoveController drops every subscription belonging to controller,
// tearing down any upstream whose last subscriber just left.
func (m *Multiplexer) RemoveController(controller string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, up := range m.upstreams {
		kept := up.subs[:0]
		for _, s := range up.subs {
			if s.ControllerName != controller {
				kept = append(kept, s)
			}
		}
		up.subs = kept
		if len(up.subs) == 0 {
			up.cancel()
			delete(m.upstreams, key)
		}
	}
}

func (m *Multiplexer) subscribers(key Key) []Subscribe {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.upstreams[key]
	if !ok {
		return nil
	}
	out := make([]Subscribe, len(up.subs))
	copy(out, up.subs)
	return out
}

// run drives one upstream's lifecycle: open, read, fan out, and on 410
// Gone forward the error then back off and re-list from current.
func (m *Multiplexer) run(ctx context.Context, up *upstream) {
	resourceVersion := up.key.ResourceVersion
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		scanner, closeFn, err := m.client.open(ctx, Key{
			Resource:        up.key.Resource,
			ListParams:      up.key.ListParams,
			ResourceVersion: resourceVersion,
		})
		if err != nil {
			m.log.Warn("watch open failed", zap.Error(err))
			if !m.sleepOrDone(ctx, DesyncBackoff) {
				return
			}
			continue
		}

		desynced := m.readStream(ctx, up, scanner, &resourceVersion)
		closeFn()

		if ctx.Err() != nil {
			return
		}
		if desynced {
			resourceVersion = ""
			if !m.sleepOrDone(ctx, DesyncBackoff) {
				return
			}
		}
	}
}

func (m *Multiplexer) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// readStream reads NDJSON events until the stream ends or a 410 Gone
// arrives. It returns true when the caller should back off and re-list.
func (m *Multiplexer) readStream(ctx context.Context, up *upstream, scanner interface {
	Scan() bool
	Bytes() []byte
	Err() error
}, resourceVersion *string) bool {
	for scanner.Scan() {
		if ctx.Err() != nil {
			return false
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var raw rawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			m.log.Warn("malformed watch event", zap.Error(err))
			continue
		}

		if raw.Type == "ERROR" {
			var status statusObject
			_ = json.Unmarshal(raw.Object, &status)
			m.fanout(up.key, wire.WatchStreamEvent{
				Kind: wire.WatchEventError,
				Err: &wire.ErrorEnvelope{
					Status:  status.Status,
					Message: status.Message,
					Reason:  status.Reason,
					Code:    uint16(status.Code),
				},
			})
			if status.Code == 410 {
				return true
			}
			continue
		}

		var meta metaObject
		if err := json.Unmarshal(raw.Object, &meta); err == nil && meta.Metadata.ResourceVersion != "" {
			*resourceVersion = meta.Metadata.ResourceVersion
		}

		kind, ok := eventKind(raw.Type)
		if !ok {
			m.log.Warn("unknown watch event type", zap.String("type", raw.Type))
			continue
		}
		m.fanout(up.key, wire.WatchStreamEvent{Kind: kind, Object: raw.Object})
	}
	if err := scanner.Err(); err != nil {
		m.log.Warn("watch stream read error", zap.Error(err))
	}
	return false
}

func eventKind(t string) (wire.WatchEventKind, bool) {
	switch t {
	case "ADDED":
		return wire.WatchEventAdded, true
	case "MODIFIED":
		return wire.WatchEventModified, true
	case "DELETED":
		return wire.WatchEventDeleted, true
	case "BOOKMARK":
		return wire.WatchEventBookmark, true
	default:
		return 0, false
	}
}

// fanout delivers ev, in arrival order, to every subscriber currently
// registered for key. Fanout order per upstream is FIFO.
func (m *Multiplexer) fanout(key Key, ev wire.WatchStreamEvent) {
	payload := wire.EncodeWatchEvent(ev)
	for _, sub := range m.subscribers(key) {
		m.events <- Event{
			ControllerName: sub.ControllerName,
			WatchID:        sub.WatchID,
			Payload:        payload,
		}
	}
}
