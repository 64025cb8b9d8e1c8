// Package notify tells long-polling workers that jobs of a type became
// activatable.
package notify

import (
	"context"
	"sync"
)

// Notifier fans job-available signals out to subscribers. A signal carries no
// payload: subscribers re-run their activation after receiving it.
type Notifier interface {
	Publish(ctx context.Context, jobType string) error
	Subscribe(ctx context.Context, jobType string) (<-chan struct{}, func(), error)
}

// Local is an in-process Notifier for single-node deployments.
type Local struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewLocal() *Local {
	return &Local{subs: map[string]map[chan struct{}]struct{}{}}
}

func (l *Local) Publish(_ context.Context, jobType string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[jobType] {
		signal(ch)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, jobType string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	if l.subs[jobType] == nil {
		l.subs[jobType] = map[chan struct{}]struct{}{}
	}
	l.subs[jobType][ch] = struct{}{}
	l.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs[jobType], ch)
			if len(l.subs[jobType]) == 0 {
				delete(l.subs, jobType)
			}
			l.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// signal never blocks: one pending signal is as good as many.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
