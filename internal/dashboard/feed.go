package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/steveyegge/catchlog/internal/events"
)

// DefaultOutbox is the number of frames a viewer may fall behind before it
// is disconnected.
const DefaultOutbox = 64

// viewer is one connected dashboard client. Frames are queued on outbox and
// written by the connection's own goroutine, so a stalled viewer never
// delays the others.
type viewer struct {
	outbox chan []byte
	gone   chan struct{}
	once   sync.Once
}

func (v *viewer) drop() {
	v.once.Do(func() { close(v.gone) })
}

// feed fans frames out to viewers and remembers the latest stats so that a
// viewer joining mid-session starts from the current numbers.
type feed struct {
	outboxSize int

	mu        sync.Mutex
	viewers   map[*viewer]struct{}
	lastStats json.RawMessage
}

func newFeed(outboxSize int) *feed {
	if outboxSize <= 0 {
		outboxSize = DefaultOutbox
	}
	return &feed{
		outboxSize: outboxSize,
		viewers:    make(map[*viewer]struct{}),
	}
}

// join registers a viewer whose first frame is the latest stats. The stats
// frame is queued under the same lock as the registration, so nothing sent
// afterwards can overtake it.
func (f *feed) join(now time.Time) (*viewer, error) {
	v := &viewer{
		outbox: make(chan []byte, f.outboxSize),
		gone:   make(chan struct{}),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	welcome, err := json.Marshal(Message{Type: events.TypeStats, Timestamp: now.UTC(), Data: f.lastStats})
	if err != nil {
		return nil, err
	}
	v.outbox <- welcome
	f.viewers[v] = struct{}{}
	return v, nil
}

// leave removes v and reports whether it was still registered.
func (f *feed) leave(v *viewer) bool {
	f.mu.Lock()
	_, ok := f.viewers[v]
	delete(f.viewers, v)
	f.mu.Unlock()

	v.drop()
	return ok
}

// send queues msg for every viewer. Viewers whose outbox is full are
// dropped; the number dropped is returned.
func (f *feed) send(msg Message) (int, error) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.Type == events.TypeStats && msg.Data != nil {
		f.lastStats = msg.Data
	}

	dropped := 0
	for v := range f.viewers {
		select {
		case v.outbox <- frame:
		default:
			delete(f.viewers, v)
			v.drop()
			dropped++
		}
	}
	return dropped, nil
}

// closeAll drops every viewer.
func (f *feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for v := range f.viewers {
		delete(f.viewers, v)
		v.drop()
	}
}

func (f *feed) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.viewers)
}
