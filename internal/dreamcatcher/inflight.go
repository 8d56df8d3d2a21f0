package dreamcatcher

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pageHandler consumes one inbound response for a request. It returns true
// once the request is complete; err resolves the request as failed.
type pageHandler func(b *body) (done bool, err error)

type pending struct {
	token  string
	action string
	sent   time.Time
	handle pageHandler
	done   chan error
}

func newPending(action string, handle pageHandler) *pending {
	return &pending{
		token:  uuid.NewString(),
		action: action,
		sent:   time.Now(),
		handle: handle,
		done:   make(chan error, 1),
	}
}

// inflight tracks outstanding requests. The panel protocol carries no
// request id, so each request is tagged with a synthetic token sent as
// ack_mark. Responses that echo the token resolve that request; responses
// without an ack_mark resolve the oldest request for the same action.
type inflight struct {
	mu       sync.Mutex
	byAction map[string][]*pending
	count    int
}

func newInflight() *inflight {
	return &inflight{byAction: make(map[string][]*pending)}
}

func (f *inflight) add(p *pending) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byAction[p.action] = append(f.byAction[p.action], p)
	f.count++
	return f.count
}

// remove reports whether p was still outstanding. Only the caller that
// removes an entry may complete it.
func (f *inflight) remove(p *pending) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.byAction[p.action]
	for i, q := range queue {
		if q == p {
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(f.byAction, p.action)
			} else {
				f.byAction[p.action] = queue
			}
			f.count--
			return true
		}
	}
	return false
}

// match returns the request a response belongs to. A response carrying an
// ack_mark we did not issue answers another client on the shared topic and
// matches nothing.
func (f *inflight) match(ackMark, action string) *pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.byAction[action]
	if len(queue) == 0 {
		return nil
	}
	if ackMark == "" {
		return queue[0]
	}
	for _, p := range queue {
		if p.token == ackMark {
			return p
		}
	}
	return nil
}

// drain removes every outstanding request and returns them.
func (f *inflight) drain() []*pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*pending
	for _, queue := range f.byAction {
		all = append(all, queue...)
	}
	f.byAction = make(map[string][]*pending)
	f.count = 0
	return all
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}
