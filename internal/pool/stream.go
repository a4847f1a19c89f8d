package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/pool/internal/platform/logger"
)

// StreamState is the lifecycle of a long-lived, worker-bound event stream.
type StreamState string

const (
	StreamInitializing StreamState = "INITIALIZING"
	StreamActive        StreamState = "ACTIVE"
	StreamPaused        StreamState = "PAUSED"
	StreamClosed         StreamState = "CLOSED"
	StreamError          StreamState = "ERROR"
)

// StreamMessageHandler receives inbound messages from the worker hosting
// a stream, until the stream closes.
type StreamMessageHandler func(msg Message)

// EventStream is a bidirectional session bound exclusively to one worker
// for its lifetime, the Go analogue of spec.md §5's long-lived stream.
type EventStream struct {
	mu       sync.Mutex
	ID       string
	Tag      string
	state    StreamState
	workerID string
	worker   *SpawnedWorker
	onMsg    StreamMessageHandler
}

// State returns the stream's current lifecycle state.
func (s *EventStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkerID returns the id of the worker exclusively hosting the stream.
func (s *EventStream) WorkerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerID
}

// Send posts a message to the stream's worker. Fails if the stream isn't
// ACTIVE.
func (s *EventStream) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	if s.state != StreamActive {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	worker := s.worker
	s.mu.Unlock()

	msg.StreamID = s.ID
	return worker.Post(ctx, msg)
}

func (s *EventStream) setState(state StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// StreamManager owns every EventStream: creation, binding to a pool
// worker via AcquireStreamWorker, routing inbound worker messages, and
// teardown, mirroring the ownership split in spec.md §3 ("streams are
// owned by the stream manager; pool workers only host them").
type StreamManager struct {
	mu      sync.RWMutex
	factory *PoolFactory
	log     logger.Logger
	streams map[string]*EventStream
}

func NewStreamManager(factory *PoolFactory, log logger.Logger) *StreamManager {
	return &StreamManager{
		factory: factory,
		log:     log,
		streams: make(map[string]*EventStream),
	}
}

// Open creates a new stream on the pool registered for tag, acquiring a
// worker to host it exclusively. The stream starts INITIALIZING and
// transitions to ACTIVE once the worker acknowledges.
func (m *StreamManager) Open(ctx context.Context, tag string, onMsg StreamMessageHandler) (*EventStream, error) {
	p, err := m.factory.PoolFor(tag)
	if err != nil {
		return nil, err
	}

	streamID := uuid.New().String()
	stream := &EventStream{ID: streamID, Tag: tag, state: StreamInitializing, onMsg: onMsg}

	sw, err := p.AcquireStreamWorker(streamID)
	if err != nil {
		return nil, fmt.Errorf("pool: opening stream for tag %q: %w", tag, err)
	}

	stream.mu.Lock()
	stream.workerID = sw.Handle.ID
	stream.worker = sw
	stream.mu.Unlock()

	m.mu.Lock()
	m.streams[streamID] = stream
	m.mu.Unlock()

	if err := sw.Post(ctx, Message{StreamID: streamID, Type: "streamInit"}); err != nil {
		m.Close(streamID)
		return nil, err
	}

	time.AfterFunc(streamActivityDeadline, func() {
		if stream.State() == StreamInitializing {
			stream.setState(StreamError)
		}
	})

	return stream, nil
}

// Get returns a stream by id.
func (m *StreamManager) Get(streamID string) (*EventStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return s, nil
}

// Pause marks the stream PAUSED without releasing the worker: Send is
// rejected until Resume, while inbound worker messages are still passed
// to the stream's handler. Nothing is sent to the worker.
func (m *StreamManager) Pause(streamID string) error {
	s, err := m.Get(streamID)
	if err != nil {
		return err
	}
	s.setState(StreamPaused)
	return nil
}

// Resume reactivates a paused stream.
func (m *StreamManager) Resume(streamID string) error {
	s, err := m.Get(streamID)
	if err != nil {
		return err
	}
	s.setState(StreamActive)
	return nil
}

// Close tears down a stream and releases its worker back to the pool's
// one-shot rotation.
func (m *StreamManager) Close(streamID string) {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if ok {
		delete(m.streams, streamID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.setState(StreamClosed)

	p, err := m.factory.PoolFor(s.Tag)
	if err == nil {
		p.ReleaseStreamWorker(s.WorkerID())
	}
}

// HandleStreamMessage implements the stream-message half of PoolHandler:
// it routes an inbound message to the stream hosted by workerID.
func (m *StreamManager) HandleStreamMessage(workerID string, msg Message) {
	s, err := m.Get(msg.StreamID)
	if err != nil {
		return
	}
	if s.WorkerID() != workerID {
		m.log.Warn("stream message from unexpected worker", "streamId", msg.StreamID, "workerId", workerID)
		return
	}

	switch msg.Type {
	case "streamReady":
		s.setState(StreamActive)
	case "streamClose":
		m.Close(msg.StreamID)
	case "streamError":
		s.setState(StreamError)
		if s.onMsg != nil {
			s.onMsg(msg)
		}
	default:
		if s.onMsg != nil {
			s.onMsg(msg)
		}
	}
}

// HandleWorkerLost implements the stream-loss half of PoolHandler: if the
// lost worker was hosting a stream, the stream transitions to ERROR since
// it cannot migrate to another worker mid-session.
func (m *StreamManager) HandleWorkerLost(workerID string) {
	m.mu.RLock()
	var lost *EventStream
	for _, s := range m.streams {
		if s.WorkerID() == workerID {
			lost = s
			break
		}
	}
	m.mu.RUnlock()

	if lost == nil {
		return
	}
	lost.setState(StreamError)
	if lost.onMsg != nil {
		lost.onMsg(Message{StreamID: lost.ID, Type: "streamError", Error: "host worker lost"})
	}

	m.mu.Lock()
	delete(m.streams, lost.ID)
	m.mu.Unlock()
}

// CloseAll force-closes every open stream, used during UnifiedManager
// graceful shutdown.
func (m *StreamManager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// streamActivityDeadline bounds how long a stream may stay
// INITIALIZING before the manager treats acknowledgement as lost.
const streamActivityDeadline = 10 * time.Second
