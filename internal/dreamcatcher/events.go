package dreamcatcher

import (
	"sync"

	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
)

// Listener receives unsolicited panel events. Callbacks run on the
// transport's delivery goroutine and must not block.
type Listener interface {
	OnStatus(types.StatusEvent)
	OnStateChange(types.StateEvent)
	OnAlarm(types.AlarmEvent)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Status func(types.StatusEvent)
	State  func(types.StateEvent)
	Alarm  func(types.AlarmEvent)
}

func (l ListenerFuncs) OnStatus(e types.StatusEvent) {
	if l.Status != nil {
		l.Status(e)
	}
}

func (l ListenerFuncs) OnStateChange(e types.StateEvent) {
	if l.State != nil {
		l.State(e)
	}
}

func (l ListenerFuncs) OnAlarm(e types.AlarmEvent) {
	if l.Alarm != nil {
		l.Alarm(e)
	}
}

type emitter struct {
	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[int]Listener)}
}

func (e *emitter) add(l Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *emitter) snapshot() []Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := make([]Listener, 0, len(e.listeners))
	for id := 0; id < e.nextID; id++ {
		if l, ok := e.listeners[id]; ok {
			list = append(list, l)
		}
	}
	return list
}

func (e *emitter) status(ev types.StatusEvent) {
	for _, l := range e.snapshot() {
		l.OnStatus(ev)
	}
}

func (e *emitter) state(ev types.StateEvent) {
	for _, l := range e.snapshot() {
		l.OnStateChange(ev)
	}
}

func (e *emitter) alarm(ev types.AlarmEvent) {
	for _, l := range e.snapshot() {
		l.OnAlarm(ev)
	}
}
