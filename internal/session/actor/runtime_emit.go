package actor

import (
	"context"
	"sync"
	"time"

	framework "github.com/stamn/agent/internal/actor"
	"github.com/stamn/agent/pkg/logger"
)

// startTimer schedules a single named timer and emits evTimerFired when it
// fires. A timer with the same name is replaced.
func (r *Runtime) startTimer(ctx context.Context, eff effStartTimer, emit func(framework.Input)) {
	if eff.Name == "" {
		return
	}
	after := time.Duration(max(eff.AfterMs, 0)) * time.Millisecond

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.timers[eff.Name]; prev != nil {
		prev.Stop()
	}
	r.timers[eff.Name] = r.clock.AfterFunc(after, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		emit(evTimerFired{Name: eff.Name, Gen: eff.Gen, NowMs: r.clock.Now().UnixMilli()})
	})
}

// cancelTimer cancels a previously started named timer.
func (r *Runtime) cancelTimer(eff effCancelTimer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.timers[eff.Name]; t != nil {
		t.Stop()
		delete(r.timers, eff.Name)
	}
}

// notifier runs owner callbacks one at a time, in order, off the actor loop.
type notifier struct {
	log logger.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newNotifier(log logger.Logger) *notifier {
	n := &notifier{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	n.queue = nil
	close(n.done)
}

func (n *notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}
		for {
			n.mu.Lock()
			if n.closed || len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			fn := n.queue[0]
			n.queue = n.queue[1:]
			n.mu.Unlock()
			n.call(fn)
		}
	}
}

func (n *notifier) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Errorf("panic in session callback: %v", r)
		}
	}()
	fn()
}
