package minikern

import (
	"errors"
	"io"

	log "github.com/sirupsen/logrus"
)

// ErrClosedPipe is returned by Pipe.Write after Close.
var ErrClosedPipe = errors.New("minikern: write on closed pipe")

// Pipe is a bounded in-kernel byte channel between threads. Readers and
// writers block through the scheduler (cause PIPE); Poll waits for
// readability with an optional timeout (cause POLL). It is the in-module
// consumer of the sleep/wakeup machinery, built the same way the real
// kernel's pipes sit on top of it.
type Pipe struct {
	k *Kernel

	mu     Mutex
	buf    []byte
	r, w   int // ring cursors
	n      int // bytes buffered
	closed bool

	readers waitq
	writers waitq
	pollers waitq
}

// waitq is a FIFO of threads sleeping on a pipe condition. Guarded by the
// pipe's mutex; a thread is popped before it is woken, so a woken thread
// is never still queued.
type waitq []*TCB

func (q *waitq) push(t *TCB) {
	*q = append(*q, t)
}

func (q *waitq) pop() *TCB {
	if len(*q) == 0 {
		return nil
	}
	t := (*q)[0]
	*q = (*q)[1:]
	return t
}

func (q *waitq) remove(t *TCB) {
	for i, x := range *q {
		if x == t {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return
		}
	}
}

// NewPipe creates a pipe with the given buffer capacity.
func (k *Kernel) NewPipe(size int) *Pipe {
	if size < 1 {
		panic("minikern: pipe buffer size must be positive")
	}
	log.WithField("size", size).Debug("[PIPE] new pipe")
	return &Pipe{k: k, buf: make([]byte, size)}
}

// wakeOne pops one sleeper off q and makes it ready. Called with p.mu held.
func (p *Pipe) wakeOne(q *waitq) {
	if t := q.pop(); t != nil {
		p.k.Wakeup(t)
	}
}

// wakeAll drains q, waking every sleeper. Called with p.mu held.
func (p *Pipe) wakeAll(q *waitq) {
	for {
		t := q.pop()
		if t == nil {
			return
		}
		p.k.Wakeup(t)
	}
}

// Write writes all of data to the pipe, blocking the calling thread t
// while the buffer is full. It returns the number of bytes written and
// ErrClosedPipe if the pipe is closed before everything fit.
func (p *Pipe) Write(t *TCB, data []byte) (int, error) {
	t.PreemptPoint()

	written := 0

	p.mu.Lock()
	for len(data) > 0 {
		if p.closed {
			p.mu.Unlock()
			return written, ErrClosedPipe
		}
		if p.n == len(p.buf) {
			p.writers.push(t)
			t.SleepReleasing(Stopped, &p.mu, SchedPipe, NoTimeout)
			p.mu.Lock()
			continue
		}

		for len(data) > 0 && p.n < len(p.buf) {
			p.buf[p.w] = data[0]
			p.w = (p.w + 1) % len(p.buf)
			p.n++
			data = data[1:]
			written++
		}

		p.wakeOne(&p.readers)
		p.wakeAll(&p.pollers)
	}
	p.mu.Unlock()

	return written, nil
}

// Read reads up to len(out) bytes into out, blocking the calling thread t
// while the pipe is empty. It returns io.EOF once the pipe is closed and
// drained.
func (p *Pipe) Read(t *TCB, out []byte) (int, error) {
	t.PreemptPoint()

	if len(out) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	for p.n == 0 {
		if p.closed {
			p.mu.Unlock()
			return 0, io.EOF
		}
		p.readers.push(t)
		t.SleepReleasing(Stopped, &p.mu, SchedPipe, NoTimeout)
		p.mu.Lock()
	}

	read := 0
	for read < len(out) && p.n > 0 {
		out[read] = p.buf[p.r]
		p.r = (p.r + 1) % len(p.buf)
		p.n--
		read++
	}

	p.wakeOne(&p.writers)
	p.mu.Unlock()

	return read, nil
}

// Poll blocks the calling thread t until the pipe is readable (data
// buffered, or closed) or the timeout expires, and reports whether it is
// readable. A timeout of NoTimeout waits indefinitely.
func (p *Pipe) Poll(t *TCB, timeout TimerDuration) bool {
	t.PreemptPoint()

	p.mu.Lock()
	if p.n > 0 || p.closed {
		p.mu.Unlock()
		return true
	}

	p.pollers.push(t)
	t.SleepReleasing(Stopped, &p.mu, SchedPoll, timeout)

	p.mu.Lock()
	// Still queued here means the sleep timed out rather than being woken.
	p.pollers.remove(t)
	ready := p.n > 0 || p.closed
	p.mu.Unlock()

	return ready
}

// Close marks the pipe closed and wakes every sleeper: readers drain what
// is buffered and then see io.EOF, writers fail with ErrClosedPipe,
// pollers report readable.
func (p *Pipe) Close() {
	p.mu.Lock()
	p.closed = true
	p.wakeAll(&p.readers)
	p.wakeAll(&p.writers)
	p.wakeAll(&p.pollers)
	p.mu.Unlock()

	log.Debug("[PIPE] closed")
}
