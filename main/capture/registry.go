package capture

import (
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/rs/zerolog/log"
)

// registry holds a camera's frame sinks keyed by subscription id, in
// registration order. One lock covers mutation and fan-out: no sink is
// invoked without the lock held, so remove blocks until an in-flight
// dispatch completes and the removed sink can never run again.
type registry struct {
	mu     sync.Mutex
	sinks  *linkedhashmap.Map
	nextID uint64
}

func newRegistry() *registry {
	return &registry{sinks: linkedhashmap.New()}
}

func (r *registry) add(sink FrameSink) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.sinks.Put(r.nextID, sink)
	return r.nextID
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sinks.Remove(id)
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sinks.Clear()
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sinks.Size()
}

func (r *registry) ids() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint64, 0, r.sinks.Size())
	r.sinks.Each(func(key interface{}, _ interface{}) {
		ids = append(ids, key.(uint64))
	})
	return ids
}

// dispatch invokes every sink in registration order. A panicking sink is
// logged and the remaining sinks still run.
func (r *registry) dispatch(cameraID string, au AccessUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sinks.Each(func(key interface{}, value interface{}) {
		invoke(cameraID, key.(uint64), value.(FrameSink), au)
	})
}

func invoke(cameraID string, id uint64, sink FrameSink, au AccessUnit) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Warn().
				Str("camera", cameraID).
				Uint64("subscription", id).
				Interface("panic", recovered).
				Msg("Frame sink panicked")
		}
	}()
	sink(au)
}
