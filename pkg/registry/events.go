package registry

import (
	"sync"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/fsm"
)

// NotificationType classifies registry lifecycle notifications.
type NotificationType string

const (
	MachineCreated         NotificationType = "MACHINE_CREATED"
	MachineRegistered      NotificationType = "MACHINE_REGISTERED"
	MachineRehydrated      NotificationType = "MACHINE_REHYDRATED"
	MachineEvicted         NotificationType = "MACHINE_EVICTED"
	MachineCompleted       NotificationType = "MACHINE_COMPLETED"
	MachineCreationRefused NotificationType = "MACHINE_CREATION_REFUSED"
	MachineOffline         NotificationType = "MACHINE_OFFLINE"
	EventIgnored           NotificationType = "EVENT_IGNORED"
	EventThrottled         NotificationType = "EVENT_THROTTLED"
	TransitionApplied      NotificationType = "TRANSITION"
	RegistryTimeout        NotificationType = "REGISTRY_TIMEOUT"
	RegistryStartup        NotificationType = "REGISTRY_STARTUP"
	RegistryShutdown       NotificationType = "REGISTRY_SHUTDOWN"
	PersistenceOperation   NotificationType = "PERSISTENCE_OPERATION"
	ConfigChange           NotificationType = "CONFIG_CHANGE"
	RegistryWarning        NotificationType = "WARNING"
	RegistryError          NotificationType = "ERROR"
)

// Notification is one registry observation delivered to listeners.
type Notification struct {
	Type      NotificationType      `json:"type"`
	MachineID string                `json:"machineId"`
	Record    *fsm.TransitionRecord `json:"record,omitempty"`
	Error     string                `json:"error,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Listener consumes notifications. Listeners run on the hub's dispatcher
// goroutine; slow listeners delay later notifications but never block the
// firing path.
type Listener func(Notification)

// hub fans notifications out to listeners through a bounded queue. When
// the queue is full the oldest notification is dropped and counted; the
// firing path never blocks on listeners.
type hub struct {
	logger core.Logger
	queue  chan Notification
	done   chan struct{}

	mu        sync.RWMutex
	listeners []Listener
	closed    bool
	dropped   uint64

	onDrop func()
}

func newHub(queueSize int, logger core.Logger, onDrop func()) *hub {
	if queueSize <= 0 {
		queueSize = 1024
	}
	h := &hub{
		logger: logger,
		queue:  make(chan Notification, queueSize),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
	go h.dispatch()
	return h
}

func (h *hub) addListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *hub) publish(n Notification) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	for {
		select {
		case h.queue <- n:
			return
		default:
		}
		// Queue full: shed the oldest entry and retry.
		select {
		case <-h.queue:
			h.mu.Lock()
			h.dropped++
			h.mu.Unlock()
			if h.onDrop != nil {
				h.onDrop()
			}
		default:
		}
	}
}

func (h *hub) dispatch() {
	for {
		select {
		case n := <-h.queue:
			h.deliver(n)
		case <-h.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case n := <-h.queue:
					h.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (h *hub) deliver(n Notification) {
	h.mu.RLock()
	listeners := h.listeners
	h.mu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Errorf("listener panic on %s for %s: %v", n.Type, n.MachineID, r)
				}
			}()
			l(n)
		}()
	}
}

func (h *hub) droppedCount() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	close(h.done)
}
