// Package registry is the process-wide directory of live machines. It
// admits new machines under a concurrency cap, throttles inbound events,
// routes them to instances, evicts machines that reach offline or final
// states, and rehydrates evicted machines from the store on the next
// event.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/fsm"
	obsprom "github.com/statorio/stator/pkg/observability/prometheus"
	"github.com/statorio/stator/pkg/timeout"
)

// Outcome classifies the result of routing one event.
type Outcome int

const (
	// Accepted: a transition was applied.
	Accepted Outcome = iota
	// StayApplied: a stay action mutated the context without moving.
	StayApplied
	// Ignored: the event had no matching transition, a guard declined,
	// or the machine is complete.
	Ignored
	// Failed: a user action or load error aborted the event.
	Failed
	// Throttled: the TPS limiter rejected the event.
	Throttled
	// CapacityExceeded: admission was refused by the concurrency cap.
	CapacityExceeded
	// ShuttingDown: the registry no longer accepts events.
	ShuttingDown
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "Accepted"
	case StayApplied:
		return "StayApplied"
	case Ignored:
		return "Ignored"
	case Failed:
		return "Failed"
	case Throttled:
		return "Throttled"
	case CapacityExceeded:
		return "CapacityExceeded"
	case ShuttingDown:
		return "ShuttingDown"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// FireResult is the synchronous answer to one routed event.
type FireResult struct {
	Outcome  Outcome
	NewState string
	Err      error
}

// Factory builds an unstarted machine for an id. The registry starts or
// restores it depending on whether a persisted row exists.
type Factory func(id string) (*fsm.Machine, error)

// Config tunes the registry's limits and persistence behavior.
type Config struct {
	// MaxConcurrentMachines caps resident machines. Zero means unlimited.
	MaxConcurrentMachines int

	// MaxTPS caps events per second across the registry. Zero disables
	// throttling.
	MaxTPS float64

	// TPSBurst is the limiter burst size.
	TPSBurst int

	// ListenerQueue bounds the notification hub queue.
	ListenerQueue int

	// AsyncSave moves eviction saves off the firing path onto the save
	// pool. Synchronous saving is the default.
	AsyncSave bool

	// SaveWorkers and SaveQueue size the save pool.
	SaveWorkers int
	SaveQueue   int

	// SaveRetries bounds background retries of failed saves.
	SaveRetries int

	// SaveBackoff is the initial retry delay; it doubles per attempt.
	SaveBackoff time.Duration

	// DrainTimeout bounds how long Shutdown waits for queued saves.
	DrainTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentMachines: 100000,
		MaxTPS:                0,
		TPSBurst:              64,
		ListenerQueue:         4096,
		SaveWorkers:           4,
		SaveQueue:             1024,
		SaveRetries:           5,
		SaveBackoff:           100 * time.Millisecond,
		DrainTimeout:          10 * time.Second,
	}
}

type entry struct {
	mu        sync.Mutex
	machine   *fsm.Machine
	createdAt time.Time
	gone      bool
}

// Registry routes events to machines.
type Registry struct {
	config  Config
	factory Factory
	store   Persister
	logger  core.Logger
	metrics *obsprom.Metrics

	hub      *hub
	timeouts *timeout.Manager
	limiter  *rate.Limiter
	saver    *saver

	mu       sync.RWMutex
	machines map[string]*entry
	closed   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics wires the runtime metrics.
func WithMetrics(m *obsprom.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a registry over the given factory and store.
func New(factory Factory, store Persister, config Config, opts ...Option) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	r := &Registry{
		config:   config,
		factory:  factory,
		store:    store,
		logger:   core.NewDefaultLogger(),
		machines: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.hub = newHub(config.ListenerQueue, r.logger, func() {
		if r.metrics != nil {
			r.metrics.ListenerDrops.Inc()
		}
	})
	r.timeouts = timeout.NewManager(r.fireTimeout, timeout.WithLogger(r.logger))
	if config.MaxTPS > 0 {
		burst := config.TPSBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(config.MaxTPS), burst)
	}
	r.saver = newSaver(config.SaveWorkers, config.SaveQueue, config.SaveRetries, config.SaveBackoff, r.logger,
		func() {
			if r.metrics != nil {
				r.metrics.SaveRetriesTotal.Inc()
			}
		},
		func(machineID string, err error) {
			if r.metrics != nil {
				r.metrics.SaveErrorsTotal.Inc()
			}
			r.hub.publish(Notification{Type: RegistryError, MachineID: machineID, Error: err.Error()})
		})
	r.hub.publish(Notification{Type: RegistryStartup})
	return r, nil
}

// AddListener registers a notification listener.
func (r *Registry) AddListener(l Listener) {
	r.hub.addListener(l)
}

// Count returns the number of resident machines.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// IDs returns the ids of resident machines.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the resident machine for id, if any.
func (r *Registry) Get(id string) (*fsm.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.machines[id]
	if !ok {
		return nil, false
	}
	return ent.machine, true
}

// DroppedNotifications reports how many notifications the hub shed.
func (r *Registry) DroppedNotifications() uint64 {
	return r.hub.droppedCount()
}

// CreateOrGet returns the machine for id, admitting or rehydrating it if
// necessary using the supplied factory instead of the registry default.
func (r *Registry) CreateOrGet(ctx context.Context, id string, factory Factory) (*fsm.Machine, Outcome, error) {
	if factory == nil {
		factory = r.factory
	}
	ent, refusal := r.resolve(ctx, id, factory)
	if refusal != nil {
		return nil, refusal.Outcome, refusal.Err
	}
	return ent.machine, Accepted, nil
}

// Fire routes one event to the machine for id, admitting or rehydrating
// it first when it is not resident.
func (r *Registry) Fire(ctx context.Context, id string, e event.Event) FireResult {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.FireDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if r.isClosed() {
		return FireResult{Outcome: ShuttingDown}
	}

	if r.limiter != nil && !r.limiter.Allow() {
		if r.metrics != nil {
			r.metrics.ThrottledTotal.Inc()
		}
		r.hub.publish(Notification{Type: EventThrottled, MachineID: id})
		return FireResult{Outcome: Throttled}
	}

	for {
		ent, refusal := r.resolve(ctx, id, r.factory)
		if refusal != nil {
			return *refusal
		}

		ent.mu.Lock()
		if ent.gone {
			// Lost a race with eviction; resolve again.
			ent.mu.Unlock()
			continue
		}
		res := ent.machine.Fire(e)
		out := r.postProcess(ctx, id, ent, res)
		ent.mu.Unlock()

		if r.metrics != nil {
			r.metrics.FiresTotal.WithLabelValues(out.Outcome.String()).Inc()
		}
		return out
	}
}

// Evict saves the machine and removes it from the registry. Used by
// operators and tests; the usual path is automatic eviction on offline
// and final states.
func (r *Registry) Evict(ctx context.Context, id string) error {
	r.mu.RLock()
	ent, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("machine %s is not resident", id)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.gone {
		return nil
	}
	snapshot := ent.machine.PersistentContext().DeepCopy()
	if err := r.store.SaveContext(ctx, snapshot, ent.createdAt); err != nil {
		return fmt.Errorf("save before eviction of %s: %w", id, err)
	}
	r.evictLocked(id, ent)
	return nil
}

// Shutdown stops intake, cancels timers, flushes every resident machine
// to the store, and drains the save pool within the configured timeout.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make(map[string]*entry, len(r.machines))
	for id, ent := range r.machines {
		entries[id] = ent
	}
	r.mu.Unlock()

	r.timeouts.Shutdown()

	var firstErr error
	for id, ent := range entries {
		ent.mu.Lock()
		if !ent.gone && ent.machine.CurrentState() != "" {
			snapshot := ent.machine.PersistentContext().DeepCopy()
			if err := r.store.SaveContext(ctx, snapshot, ent.createdAt); err != nil {
				r.logger.Errorf("shutdown flush of machine %s failed: %v", id, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		ent.mu.Unlock()
	}

	drainTimeout := r.config.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	if !r.saver.drain(drainTimeout) {
		r.logger.Warnf("save pool did not drain within %v", drainTimeout)
	}
	r.hub.publish(Notification{Type: RegistryShutdown})
	r.hub.close()
	return firstErr
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// resolve returns the resident entry for id, admitting or rehydrating it
// when absent. A non-nil refusal carries the admission outcome.
func (r *Registry) resolve(ctx context.Context, id string, factory Factory) (*entry, *FireResult) {
	r.mu.RLock()
	ent, ok := r.machines[id]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, &FireResult{Outcome: ShuttingDown}
	}
	if ok {
		return ent, nil
	}

	m, err := factory(id)
	if err != nil {
		return nil, &FireResult{Outcome: Failed, Err: fmt.Errorf("machine factory for %s: %w", id, err)}
	}

	loadStart := time.Now()
	snap, err := r.store.LoadContext(ctx, id, m.PersistentContext())
	if r.metrics != nil {
		r.metrics.LoadDuration.Observe(time.Since(loadStart).Seconds())
	}
	if err != nil {
		r.hub.publish(Notification{Type: RegistryError, MachineID: id, Error: err.Error()})
		return nil, &FireResult{Outcome: Failed, Err: fmt.Errorf("load machine %s: %w", id, err)}
	}
	if snap != nil && snap.Complete {
		// Completed machines are never readmitted.
		return nil, &FireResult{Outcome: Ignored}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &FireResult{Outcome: ShuttingDown}
	}
	if existing, ok := r.machines[id]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	if r.config.MaxConcurrentMachines > 0 && len(r.machines) >= r.config.MaxConcurrentMachines {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.RefusedTotal.Inc()
		}
		r.hub.publish(Notification{Type: MachineCreationRefused, MachineID: id})
		return nil, &FireResult{Outcome: CapacityExceeded}
	}
	ent = &entry{machine: m, createdAt: time.Now()}
	if snap != nil {
		ent.createdAt = snap.CreatedAt
	}
	// Hold the entry lock across start/restore so concurrent firers that
	// find the entry in the map wait until the machine is ready.
	ent.mu.Lock()
	defer ent.mu.Unlock()
	r.machines[id] = ent
	count := len(r.machines)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveMachines.Set(float64(count))
	}

	m.SetListener(func(rec fsm.TransitionRecord) {
		r.hub.publish(Notification{Type: TransitionApplied, MachineID: rec.MachineID, Record: &rec, Timestamp: rec.Timestamp})
	})

	if snap != nil {
		if err := m.RestoreState(snap.CurrentState); err != nil {
			ent.gone = true
			r.remove(id)
			return nil, &FireResult{Outcome: Failed, Err: fmt.Errorf("restore machine %s: %w", id, err)}
		}
		if r.metrics != nil {
			r.metrics.RehydrationsTotal.Inc()
		}
		r.hub.publish(Notification{Type: MachineRehydrated, MachineID: id})
		r.hub.publish(Notification{Type: MachineRegistered, MachineID: id})

		// Re-arm the state deadline with the remaining time. A deadline
		// that lapsed while the machine was offline fires now, before the
		// arrival event is applied.
		if st := m.CurrentStateTimeout(); st != nil {
			if expired := r.timeouts.Rearm(id, m.Generation(), st.After, snap.LastStateChange); expired {
				tres := m.ApplyTimeout(m.Generation())
				if tres.Outcome == fsm.OutcomeAccepted {
					r.hub.publish(Notification{Type: RegistryTimeout, MachineID: id})
					if r.metrics != nil {
						r.metrics.TimeoutsTotal.Inc()
					}
				}
				r.postProcess(ctx, id, ent, tres)
			}
		}
		return ent, nil
	}

	if err := m.Start(); err != nil {
		ent.gone = true
		r.remove(id)
		return nil, &FireResult{Outcome: Failed, Err: fmt.Errorf("start machine %s: %w", id, err)}
	}
	r.hub.publish(Notification{Type: MachineCreated, MachineID: id})
	r.hub.publish(Notification{Type: MachineRegistered, MachineID: id})
	if st := m.CurrentStateTimeout(); st != nil {
		r.timeouts.Schedule(id, m.Generation(), st.After)
	}
	return ent, nil
}

// postProcess runs with ent.mu held after an event or timeout was
// applied: reschedule the deadline, persist, and evict when the machine
// reached an offline or final state.
func (r *Registry) postProcess(ctx context.Context, id string, ent *entry, res fsm.Result) FireResult {
	out := FireResult{NewState: res.NewState, Err: res.Err}

	switch res.Outcome {
	case fsm.OutcomeIgnored:
		out.Outcome = Ignored
		r.hub.publish(Notification{Type: EventIgnored, MachineID: id})
		return out
	case fsm.OutcomeStayApplied:
		out.Outcome = StayApplied
		return out
	case fsm.OutcomeFailed:
		out.Outcome = Failed
		r.hub.publish(Notification{Type: RegistryError, MachineID: id, Error: res.Err.Error()})
		return out
	}

	out.Outcome = Accepted
	m := ent.machine

	if st := m.CurrentStateTimeout(); st != nil && !m.Complete() {
		r.timeouts.Schedule(id, m.Generation(), st.After)
	} else {
		r.timeouts.Cancel(id)
	}

	if m.InOfflineState() || m.Complete() {
		if m.InOfflineState() && !m.Complete() {
			r.hub.publish(Notification{Type: MachineOffline, MachineID: id})
		}
		r.saveAndEvict(ctx, id, ent)
	}
	return out
}

// saveAndEvict persists the machine and removes it once the save lands.
// On save failure the machine stays resident and the save is retried in
// the background; eviction happens only after a successful save.
func (r *Registry) saveAndEvict(ctx context.Context, id string, ent *entry) {
	attempt := func(c context.Context) error {
		ent.mu.Lock()
		snapshot := ent.machine.PersistentContext().DeepCopy()
		ent.mu.Unlock()

		start := time.Now()
		err := r.store.SaveContext(c, snapshot, ent.createdAt)
		if r.metrics != nil {
			r.metrics.SaveDuration.Observe(time.Since(start).Seconds())
		}
		return err
	}
	onSuccess := func() {
		r.hub.publish(Notification{Type: PersistenceOperation, MachineID: id})
		ent.mu.Lock()
		defer ent.mu.Unlock()
		if ent.gone {
			return
		}
		if ent.machine.InOfflineState() || ent.machine.Complete() {
			r.evictLocked(id, ent)
		}
	}

	if r.config.AsyncSave {
		if err := r.saver.submit(saveJob{machineID: id, attempt: attempt, onSuccess: onSuccess}); err == nil {
			return
		}
		// Queue full: fall through to the synchronous path.
	}

	snapshot := ent.machine.PersistentContext().DeepCopy()
	start := time.Now()
	err := r.store.SaveContext(ctx, snapshot, ent.createdAt)
	if r.metrics != nil {
		r.metrics.SaveDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// In-memory state stays authoritative; retry in the background.
		r.logger.Warnf("save failed for machine %s, retrying in background: %v", id, err)
		r.hub.publish(Notification{Type: RegistryWarning, MachineID: id, Error: err.Error()})
		if serr := r.saver.submit(saveJob{machineID: id, attempt: attempt, onSuccess: onSuccess}); serr != nil {
			r.logger.Errorf("save retry for machine %s could not be queued: %v", id, serr)
		}
		return
	}
	r.hub.publish(Notification{Type: PersistenceOperation, MachineID: id})
	r.evictLocked(id, ent)
}

// evictLocked removes the machine from the registry. ent.mu must be held.
func (r *Registry) evictLocked(id string, ent *entry) {
	ent.gone = true
	r.remove(id)
	r.timeouts.Cancel(id)

	if ent.machine.Complete() {
		r.hub.publish(Notification{Type: MachineCompleted, MachineID: id})
	}
	r.hub.publish(Notification{Type: MachineEvicted, MachineID: id})
	if r.metrics != nil {
		r.metrics.EvictionsTotal.Inc()
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.machines, id)
	count := len(r.machines)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveMachines.Set(float64(count))
	}
}

// fireTimeout delivers an expired deadline as a normal transition under
// the machine lock. Delivery errors are warnings; the machine remains
// usable.
func (r *Registry) fireTimeout(id string, generation uint64) {
	r.mu.RLock()
	ent, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.gone {
		return
	}
	res := ent.machine.ApplyTimeout(generation)
	if res.Outcome == fsm.OutcomeFailed {
		r.logger.Warnf("timeout delivery failed for machine %s: %v", id, res.Err)
		r.hub.publish(Notification{Type: RegistryWarning, MachineID: id, Error: res.Err.Error()})
	}
	if res.Outcome == fsm.OutcomeAccepted {
		r.hub.publish(Notification{Type: RegistryTimeout, MachineID: id})
		if r.metrics != nil {
			r.metrics.TimeoutsTotal.Inc()
		}
	}
	r.postProcess(context.Background(), id, ent, res)
}
