// Package queue provides the serialized modification queue: a FIFO runner
// that admits at most one task at a time. Everything that read-modify-writes
// the negotiated session description goes through it, because the media
// engine forbids overlapping negotiation calls.
package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Task receives a done func it must invoke exactly once, even on failure,
// to release the next task. Extra invocations are ignored.
type Task func(done func())

type item struct {
	name string
	task Task
}

type Queue struct {
	tasks  chan item
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(ctx context.Context) *Queue {
	ctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		tasks:  make(chan item, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.pump()
	return q
}

// Enqueue appends a task. It fails only after Stop.
func (q *Queue) Enqueue(name string, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return context.Canceled
	}
	select {
	case q.tasks <- item{name: name, task: t}:
		return nil
	case <-q.ctx.Done():
		return q.ctx.Err()
	}
}

func (q *Queue) pump() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case it := <-q.tasks:
			q.run(it)
		}
	}
}

func (q *Queue) run(it item) {
	released := make(chan struct{})
	var once sync.Once
	done := func() {
		once.Do(func() { close(released) })
	}
	it.task(done)
	select {
	case <-released:
	case <-q.ctx.Done():
		log.Warn().Str("module", "queue").Str("task", it.name).Msg("queue stopped with task in flight")
	}
}

// Stop cancels the pump. Tasks already in flight keep their done func but it
// no longer gates anything.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
