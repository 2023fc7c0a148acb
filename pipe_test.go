package minikern

import (
	"bytes"
	"io"
	"testing"
)

func TestPipeWriteThenRead(t *testing.T) {
	k := NewKernel(1)
	pcb := k.NewProcess()
	p := k.NewPipe(16)

	var got []byte
	var readErr error

	writer := k.SpawnThread(pcb, func(t *TCB) {
		p.Write(t, []byte("hello"))
		p.Close()
		exitThread(t)
	})
	reader := k.SpawnThread(pcb, func(t *TCB) {
		buf := make([]byte, 8)
		for {
			n, err := p.Read(t, buf)
			got = append(got, buf[:n]...)
			if err != nil {
				readErr = err
				break
			}
		}
		exitThread(t)
	})

	k.Wakeup(writer)
	k.Wakeup(reader)
	k.Boot()

	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("read %q, want %q", got, "hello")
	}
	if readErr != io.EOF {
		t.Fatalf("read error = %v, want io.EOF", readErr)
	}
}

func TestPipeBlocksWriterWhenFull(t *testing.T) {
	k := NewKernel(2)
	pcb := k.NewProcess()

	// A 4-byte pipe forces the writer to sleep mid-message until the
	// reader drains it. All 12 bytes must still arrive in order.
	p := k.NewPipe(4)
	msg := []byte("twelve bytes")

	var got []byte
	var wrote int

	writer := k.SpawnThread(pcb, func(t *TCB) {
		wrote, _ = p.Write(t, msg)
		p.Close()
		exitThread(t)
	})
	reader := k.SpawnThread(pcb, func(t *TCB) {
		buf := make([]byte, 3)
		for {
			n, err := p.Read(t, buf)
			got = append(got, buf[:n]...)
			if err != nil {
				break
			}
		}
		exitThread(t)
	})

	k.Wakeup(writer)
	k.Wakeup(reader)
	k.Boot()

	if wrote != len(msg) {
		t.Fatalf("wrote %d bytes, want %d", wrote, len(msg))
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("read %q, want %q", got, msg)
	}
}

func TestPipeWriteAfterCloseFails(t *testing.T) {
	k := NewKernel(1)
	pcb := k.NewProcess()
	p := k.NewPipe(8)

	var n int
	var err error

	th := k.SpawnThread(pcb, func(t *TCB) {
		p.Close()
		n, err = p.Write(t, []byte("late"))
		exitThread(t)
	})

	k.Wakeup(th)
	k.Boot()

	if err != ErrClosedPipe {
		t.Fatalf("write on closed pipe: err = %v, want ErrClosedPipe", err)
	}
	if n != 0 {
		t.Fatalf("write on closed pipe reported %d bytes", n)
	}
}

func TestPipeCloseUnblocksWriter(t *testing.T) {
	k := NewKernel(2)
	pcb := k.NewProcess()
	p := k.NewPipe(2)

	var n int
	var err error

	writer := k.SpawnThread(pcb, func(t *TCB) {
		n, err = p.Write(t, []byte("toolong"))
		exitThread(t)
	})
	closer := k.SpawnThread(pcb, func(t *TCB) {
		// Wait until the writer has filled the buffer and blocked.
		for {
			p.mu.Lock()
			full := p.n == len(p.buf)
			p.mu.Unlock()
			if full {
				break
			}
			t.Yield(SchedUser)
		}
		p.Close()
		exitThread(t)
	})

	k.Wakeup(writer)
	k.Wakeup(closer)
	k.Boot()

	if err != ErrClosedPipe {
		t.Fatalf("blocked writer after close: err = %v, want ErrClosedPipe", err)
	}
	if n != 2 {
		t.Fatalf("blocked writer wrote %d bytes before close, want 2", n)
	}
}

func TestPipePollWakesOnWrite(t *testing.T) {
	k := NewKernel(2)
	pcb := k.NewProcess()
	p := k.NewPipe(8)

	var ready bool

	poller := k.SpawnThread(pcb, func(t *TCB) {
		ready = p.Poll(t, NoTimeout)
		exitThread(t)
	})
	writer := k.SpawnThread(pcb, func(t *TCB) {
		for i := 0; i < 50; i++ {
			t.Yield(SchedUser)
		}
		p.Write(t, []byte{1})
		exitThread(t)
	})

	k.Wakeup(poller)
	k.Wakeup(writer)
	k.Boot()

	if !ready {
		t.Fatal("poll did not report readable after a write")
	}
}

func TestPipePollTimesOut(t *testing.T) {
	k := NewKernel(1)
	pcb := k.NewProcess()
	p := k.NewPipe(8)

	var ready bool
	var elapsed TimerDuration

	const wait TimerDuration = 5_000 // 5ms

	th := k.SpawnThread(pcb, func(t *TCB) {
		before := k.biosClock()
		ready = p.Poll(t, wait)
		elapsed = k.biosClock() - before
		exitThread(t)
	})

	k.Wakeup(th)
	k.Boot()

	if ready {
		t.Fatal("poll on a silent pipe reported readable")
	}
	if elapsed < wait {
		t.Fatalf("poll returned after %dus, want at least %dus", elapsed, wait)
	}
}

func TestPipePollReadableImmediately(t *testing.T) {
	k := NewKernel(1)
	pcb := k.NewProcess()
	p := k.NewPipe(8)

	var ready bool

	th := k.SpawnThread(pcb, func(t *TCB) {
		p.Write(t, []byte{42})
		ready = p.Poll(t, NoTimeout)
		exitThread(t)
	})

	k.Wakeup(th)
	k.Boot()

	if !ready {
		t.Fatal("poll on a pipe with buffered data must not block")
	}
}
