package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/pkg/log"
	"github.com/jonboulle/clockwork"
)

// EventType classifies registry notifications.
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
	EventChanged
)

func (e EventType) String() string {
	switch e {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventChanged:
		return "changed"
	}
	return "unknown"
}

// Observer receives device lifecycle notifications. Observers are invoked
// without the registry lock held.
type Observer func(event EventType, dev *Device)

type waiter struct {
	match func(*Device) bool
	ch    chan *Device
}

type pendingRemoval struct {
	dev    *Device
	cancel func() bool
}

// Registry is the in-memory device catalog. All mutation happens under the
// write lock; parent/child relations are ids looked up through the registry.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	pending   map[string]*pendingRemoval
	observers []Observer
	waiters   []*waiter

	clock clockwork.Clock
	log   *log.PrefixLogger
}

// NewRegistry creates an empty registry.
func NewRegistry(clock clockwork.Clock, log *log.PrefixLogger) *Registry {
	return &Registry{
		devices: map[string]*Device{},
		pending: map[string]*pendingRemoval{},
		clock:   clock,
		log:     log,
	}
}

// AddObserver registers a lifecycle observer.
func (r *Registry) AddObserver(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

func (r *Registry) notify(event EventType, dev *Device) {
	r.mu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	for _, obs := range observers {
		obs(event, dev)
	}
}

// Add inserts a device. A device arriving while an earlier instance with the
// same composite-id (or a shared hardware-id) sits in its remove-delay grace
// window is treated as a replug: the newcomer inherits the earlier device-id
// and a single changed event is emitted instead of a removed/added pair.
func (r *Registry) Add(dev *Device) *Device {
	if dev.ID == "" {
		dev.ID = ComputeID(dev.PhysicalID, dev.Plugin)
	}
	dev.Created = r.clock.Now()
	dev.Modified = dev.Created

	r.mu.Lock()
	donor := r.matchPendingLocked(dev)
	if donor != nil {
		delete(r.pending, donor.dev.ID)
		donor.cancel()
		replaceIdentity(dev, donor.dev)
		r.devices[dev.ID] = dev
		waiters := r.takeWaitersLocked(dev)
		r.mu.Unlock()

		r.log.Debugf("device %s replugged as %s", dev.ID, dev.Name)
		for _, w := range waiters {
			w.ch <- dev
		}
		r.notify(EventChanged, dev)
		return dev
	}

	r.devices[dev.ID] = dev
	waiters := r.takeWaitersLocked(dev)
	r.mu.Unlock()

	for _, w := range waiters {
		w.ch <- dev
	}
	r.notify(EventAdded, dev)
	return dev
}

// matchPendingLocked finds a device in the grace window that the newcomer is
// a reincarnation of.
func (r *Registry) matchPendingLocked(dev *Device) *pendingRemoval {
	for _, p := range r.pending {
		if p.dev.ID == dev.ID {
			return p
		}
		if dev.CompositeID != "" && p.dev.CompositeID == dev.CompositeID {
			return p
		}
		for _, g := range dev.GUIDs {
			if p.dev.HasGUID(g) {
				return p
			}
		}
	}
	return nil
}

// replaceIdentity carries identity continuity and a defined flag subset from
// the donor across a replug.
func replaceIdentity(dev, donor *Device) {
	dev.ID = donor.ID
	if dev.CompositeID == "" {
		dev.CompositeID = donor.CompositeID
	}
	dev.ParentID = donor.ParentID
	dev.ChildIDs = append([]string(nil), donor.ChildIDs...)
	dev.Created = donor.Created
	const inherited = FlagEmulated | FlagEmulationTag | FlagSupported | FlagHasMultipleBranches
	dev.Flags |= donor.Flags & inherited
}

func (r *Registry) takeWaitersLocked(dev *Device) []*waiter {
	var matched []*waiter
	var rest []*waiter
	for _, w := range r.waiters {
		if w.match(dev) {
			matched = append(matched, w)
		} else {
			rest = append(rest, w)
		}
	}
	r.waiters = rest
	return matched
}

// Remove takes a device out of the catalog. The entry lingers invisibly for
// its remove-delay so a replug can reclaim the device-id; after the window
// expires a removed event is emitted.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	dev, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %s: %w", id, errdefs.ErrNotFound)
	}
	delete(r.devices, id)

	timer := r.clock.AfterFunc(dev.EffectiveRemoveDelay(), func() {
		r.expire(id)
	})
	r.pending[id] = &pendingRemoval{dev: dev, cancel: timer.Stop}
	r.mu.Unlock()
	return nil
}

func (r *Registry) expire(id string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	r.mu.Unlock()
	r.notify(EventRemoved, p.dev)
}

// Get returns the device with the given id.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, errdefs.ErrNotFound)
	}
	return dev, nil
}

// Devices returns all devices sorted by priority then id.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}
	r.mu.RUnlock()
	SortDevices(out)
	return out
}

// ByGUID returns all devices carrying the hardware-id.
func (r *Registry) ByGUID(guid string) []*Device {
	r.mu.RLock()
	var out []*Device
	for _, dev := range r.devices {
		if dev.HasGUID(guid) {
			out = append(out, dev)
		}
	}
	r.mu.RUnlock()
	SortDevices(out)
	return out
}

// Composite returns the devices sharing a composite-id, the whole physical
// unit, sorted by priority then id.
func (r *Registry) Composite(compositeID string) []*Device {
	r.mu.RLock()
	var out []*Device
	for _, dev := range r.devices {
		if dev.CompositeID == compositeID && compositeID != "" {
			out = append(out, dev)
		}
	}
	r.mu.RUnlock()
	SortDevices(out)
	return out
}

// Children resolves the child ids of a parent device.
func (r *Registry) Children(dev *Device) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Device
	for _, id := range dev.ChildIDs {
		if c, ok := r.devices[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Modify applies fn to the device under the write lock and emits a changed
// event.
func (r *Registry) Modify(id string, fn func(*Device)) error {
	r.mu.Lock()
	dev, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %s: %w", id, errdefs.ErrNotFound)
	}
	fn(dev)
	dev.Modified = r.clock.Now()
	r.mu.Unlock()
	r.notify(EventChanged, dev)
	return nil
}

// WaitForReplug blocks until a device satisfying match appears, or the
// context expires. Callers bound the wait with the device's remove-delay.
func (r *Registry) WaitForReplug(ctx context.Context, match func(*Device) bool) (*Device, error) {
	r.mu.Lock()
	// the device may already be back
	for _, dev := range r.devices {
		if match(dev) {
			r.mu.Unlock()
			return dev, nil
		}
	}
	w := &waiter{match: match, ch: make(chan *Device, 1)}
	r.waiters = append(r.waiters, w)
	r.mu.Unlock()

	select {
	case dev := <-w.ch:
		return dev, nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, other := range r.waiters {
			if other == w {
				r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for replug: %w", errdefs.ErrTimeout)
	}
}
