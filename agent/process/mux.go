package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/guseggert/procmux/protocol"
	"go.uber.org/zap"
)

const (
	// ChunkSize is the most output read from a stream at once, and so the largest output payload.
	ChunkSize = 32768
	// DefaultQueueSize is the number of responses buffered between the processes and the conn writer.
	DefaultQueueSize = 64
)

var (
	ErrMuxClosed          = errors.New("multiplexer is shut down")
	ErrDuplicateRequestID = errors.New("duplicate request id")
)

// DuplicateRequestIDError is returned when a request reuses the id of one that is still in flight.
type DuplicateRequestIDError struct {
	ID uint32
}

func (e *DuplicateRequestIDError) Error() string {
	return fmt.Sprintf("request id %d is already in flight", e.ID)
}

func (e *DuplicateRequestIDError) Is(target error) bool { return target == ErrDuplicateRequestID }

// Mux runs the processes requested on a single connection and merges their output and exit
// statuses into one stream of responses.
//
// For each request id, every ChildOutput is sent before its ChildExit, and output from one stream
// arrives in the order it was read. Nothing is guaranteed about interleaving between streams or ids.
type Mux struct {
	log *zap.SugaredLogger

	events chan protocol.SpawnResponse
	// done is closed on shutdown, after which responses are dropped
	done chan struct{}

	mut      sync.Mutex
	closed   bool
	children map[uint32]*Child

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func NewMux(log *zap.SugaredLogger, queueSize int) *Mux {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Mux{
		log:      log,
		events:   make(chan protocol.SpawnResponse, queueSize),
		done:     make(chan struct{}),
		children: map[uint32]*Child{},
	}
}

// Events returns the merged responses. The channel is closed once the mux has been shut down.
func (m *Mux) Events() <-chan protocol.SpawnResponse {
	return m.events
}

// Len returns the number of requests still in flight.
func (m *Mux) Len() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.children)
}

// Admit launches the process for req.
// If the process cannot be launched, a single ChildExit with protocol.ExitCodeLaunchFailed is sent
// for req.ID and nil is returned. If req.ID is still in flight, the request is rejected with a
// *DuplicateRequestIDError and nothing is sent.
func (m *Mux) Admit(req protocol.SpawnRequest) error {
	m.mut.Lock()
	if m.closed {
		m.mut.Unlock()
		return ErrMuxClosed
	}
	if _, ok := m.children[req.ID]; ok {
		m.mut.Unlock()
		return &DuplicateRequestIDError{ID: req.ID}
	}

	// launched under the lock so that a concurrent shutdown always sees the child
	child, err := StartChild(req)
	m.wg.Add(1)
	if err != nil {
		m.mut.Unlock()
		defer m.wg.Done()
		m.log.Debugw("launch failed", "RequestID", req.ID, "Error", err)
		m.emit(protocol.ChildExit{RequestID: req.ID, Status: protocol.ExitCodeLaunchFailed})
		return nil
	}
	m.children[req.ID] = child
	m.mut.Unlock()

	go m.run(req.ID, child)
	return nil
}

func (m *Mux) run(id uint32, child *Child) {
	defer m.wg.Done()
	log := m.log.With("RequestID", id, "PID", child.Pid())
	log.Debug("process started")

	var drains sync.WaitGroup
	drains.Add(2)
	go m.drain(&drains, log, id, protocol.Stdout, child.Stdout())
	go m.drain(&drains, log, id, protocol.Stderr, child.Stderr())

	status := child.Wait()
	drains.Wait()

	m.mut.Lock()
	delete(m.children, id)
	m.mut.Unlock()

	log.Debugw("process exited", "Status", status)
	m.emit(protocol.ChildExit{RequestID: id, Status: status})
}

// drain forwards everything read from r until it reaches EOF. Read errors count as EOF.
func (m *Mux) drain(wg *sync.WaitGroup, log *zap.SugaredLogger, id uint32, source protocol.OutputStreamType, r io.ReadCloser) {
	defer wg.Done()
	defer r.Close()

	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !m.emit(protocol.ChildOutput{RequestID: id, Source: source, Data: data}) {
				return
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				log.Debugw("output read failed", "Source", source, "Error", err)
			}
			return
		}
	}
}

// emit blocks until the response is queued, or returns false if the mux was shut down.
func (m *Mux) emit(resp protocol.SpawnResponse) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- resp:
		return true
	case <-m.done:
		return false
	}
}

// Shutdown kills every process still in flight, drops their remaining responses, and closes the
// events channel once all of them have been cleaned up. It is safe to call more than once.
func (m *Mux) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.mut.Lock()
		m.closed = true
		children := make([]*Child, 0, len(m.children))
		for _, c := range m.children {
			children = append(children, c)
		}
		m.mut.Unlock()

		close(m.done)
		if len(children) > 0 {
			m.log.Debugw("killing processes still in flight", "Count", len(children))
		}
		for _, c := range children {
			c.Kill()
		}
		m.wg.Wait()
		close(m.events)
	})
}
