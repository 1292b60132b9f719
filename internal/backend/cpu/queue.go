package cpu

import (
	"sync"

	"k8s.io/klog/v2"
)

// task is one queued command.
type task struct {
	seq  uint64
	name string
	run  func() error
}

// queue is an in-order command queue drained by a single worker goroutine.
// Commands complete in submission order, so completing seq implies every earlier seq completed.
type queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	tasks     []task
	submitted uint64
	completed uint64
	err       error // first failure since the last wait
	closed    bool
	done      chan struct{}
}

func newQueue() *queue {
	q := &queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// submit enqueues run and returns its sequence number. onEnqueue, if not nil, runs under the queue
// lock once the number is assigned, before the command can complete.
func (q *queue) submit(name string, run func() error, onEnqueue func(seq uint64)) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		panic("cpu: submit on closed device")
	}
	q.submitted++
	seq := q.submitted
	if onEnqueue != nil {
		onEnqueue(seq)
	}
	q.tasks = append(q.tasks, task{seq: seq, name: name, run: run})
	q.cond.Broadcast()
	klog.V(2).Infof("cpu: enqueued #%d %s", seq, name)
	return seq
}

// wait blocks until every command submitted before the call completed. It returns the completed
// sequence number and the first failure since the previous wait.
func (q *queue) wait() (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	target := q.submitted
	for q.completed < target {
		q.cond.Wait()
	}
	err := q.err
	q.err = nil
	return q.completed, err
}

// close drains the queue and stops the worker.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (q *queue) worker() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks[0] = task{}
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		err := t.run()
		if err != nil {
			klog.V(1).Infof("cpu: #%d %s failed: %v", t.seq, t.name, err)
		}

		q.mu.Lock()
		q.completed = t.seq
		if err != nil && q.err == nil {
			q.err = err
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
