package realtime

import (
	"sync"

	"github.com/bt-bridge/lingua-realtime/metrics"
	"github.com/bt-bridge/lingua-realtime/shared"
	"go.uber.org/zap"
)

const maxPendingMessages = 256

// eventRelay hands data channel messages to the host handler. Messages that
// arrive before the session is active are held back and delivered, in
// arrival order, once activate is called. After close nothing is delivered.
type eventRelay struct {
	logger  shared.LoggerAdapter
	metrics *metrics.Metrics
	handler MessageHandler

	// deliver serialises handler calls so a flush cannot interleave with a
	// live message.
	deliver sync.Mutex

	mu      sync.Mutex
	active  bool
	closed  bool
	pending []Message
}

func newEventRelay(logger shared.LoggerAdapter, m *metrics.Metrics, handler MessageHandler) *eventRelay {
	return &eventRelay{logger: logger, metrics: m, handler: handler}
}

func (r *eventRelay) push(data []byte) {
	msg := ParseMessage(data)
	if msg.IsEvent() {
		r.metrics.EventReceived("event")
	} else {
		r.logger.Debug("non-JSON data channel payload, passing through as text", zap.Int("bytes", len(data)))
		r.metrics.EventReceived("text")
	}

	r.deliver.Lock()
	defer r.deliver.Unlock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if !r.active {
		if len(r.pending) == maxPendingMessages {
			r.logger.Warn("pending message queue full, dropping oldest")
			copy(r.pending, r.pending[1:])
			r.pending[len(r.pending)-1] = msg
		} else {
			r.pending = append(r.pending, msg)
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.dispatch(msg)
}

func (r *eventRelay) activate() {
	r.deliver.Lock()
	defer r.deliver.Unlock()
	r.mu.Lock()
	if r.closed || r.active {
		r.mu.Unlock()
		return
	}
	r.active = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(pending) > 0 {
		r.logger.Debug("flushing messages received before activation", zap.Int("count", len(pending)))
	}
	for _, msg := range pending {
		if r.isClosed() {
			return
		}
		r.dispatch(msg)
	}
}

func (r *eventRelay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.pending = nil
}

func (r *eventRelay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *eventRelay) dispatch(msg Message) {
	if r.handler == nil {
		return
	}
	r.handler(msg)
}
