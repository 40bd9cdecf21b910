package bus

import "sync"

// deliverFunc hands one event to a subscriber. It must give up when stop is
// closed and returns false once the subscriber is gone for good.
type deliverFunc func(v any, stop <-chan struct{}) bool

type mailbox struct {
	mu    sync.Mutex
	queue []any
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (m *mailbox) push(v any) {
	m.mu.Lock()
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) stop() {
	m.once.Do(func() { close(m.done) })
}

// run drains the queue into deliver until stopped. It returns false when
// deliver reported the subscriber gone.
func (m *mailbox) run(deliver deliverFunc) bool {
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, v := range batch {
			select {
			case <-m.done:
				return true
			default:
			}
			if !deliver(v, m.done) {
				return false
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-m.wake:
		case <-m.done:
			return true
		}
	}
}
