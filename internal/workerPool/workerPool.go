// Package workerPool runs short jobs on a fixed set of goroutines. Jobs are
// grouped in rooms; a room collects the results of its own jobs only.
package workerPool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var ErrClosed = errors.New("workerPool: pool closed")

type WorkerPool struct {
	config    Config
	taskQueue chan task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

type Room struct {
	resultChan chan any
	wg         sync.WaitGroup
	closeOnce  sync.Once
	wp         *WorkerPool
}

type task struct {
	run  func() any
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
	}

	wp.wg.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// Close stops accepting jobs and waits for queued jobs to finish.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.taskQueue)
	wp.mu.Unlock()
	wp.wg.Wait()
}

// CreateRoom creates a room able to hold size results. Submitting more than
// size jobs before calling Collect can block the workers.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	return &Room{
		resultChan: make(chan any, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global queue is
// full. It gives up when ctx is done.
func (ro *Room) NewTaskWaitForFreeSlot(ctx context.Context, job func() any) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrClosed
	}

	ro.wg.Add(1)
	select {
	case ro.wp.taskQueue <- task{run: job, room: ro}:
		return nil
	case <-ctx.Done():
		ro.wg.Done()
		return ctx.Err()
	}
}

// Collect waits for every job of the room and returns their results in
// completion order. A room is collected once.
func (ro *Room) Collect() []any {
	go ro.waitAndClose()

	results := make([]any, 0, cap(ro.resultChan))
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	ro.closeOnce.Do(func() { close(ro.resultChan) })
}
