package discovery

import (
	"log/slog"
	"sort"
	"sync"
)

// Hub is the in-process Pipeline. It tracks which scanners are
// registered and fans advertisements out to subscribers synchronously,
// in subscription order.
type Hub struct {
	mu      sync.Mutex
	logger  *slog.Logger
	nextID  int
	sources map[int]Source
	sinks   map[int]func(Advertisement)
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		sources: make(map[int]Source),
		sinks:   make(map[int]func(Advertisement)),
	}
}

// Register announces a scanner. The returned cancel withdraws the
// registration; calling it more than once is safe.
func (h *Hub) Register(src Source) (func(), error) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.sources[id] = src
	h.mu.Unlock()

	h.logger.Debug("scanner registered with pipeline", "source", src.MAC, "name", src.Name)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sources, id)
			h.mu.Unlock()
			h.logger.Debug("scanner deregistered from pipeline", "source", src.MAC)
		})
	}
	return cancel, nil
}

// Advertise delivers adv to every subscriber.
func (h *Hub) Advertise(adv Advertisement) error {
	h.mu.Lock()
	ids := make([]int, 0, len(h.sinks))
	for id := range h.sinks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	sinks := make([]func(Advertisement), 0, len(ids))
	for _, id := range ids {
		sinks = append(sinks, h.sinks[id])
	}
	h.mu.Unlock()

	for _, sink := range sinks {
		sink(adv)
	}
	return nil
}

// OnAdvertisement subscribes fn to the advertisement stream and
// returns its cancel.
func (h *Hub) OnAdvertisement(fn func(Advertisement)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.sinks[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.sinks, id)
		h.mu.Unlock()
	}
}

// Sources returns the currently registered scanners sorted by MAC.
func (h *Hub) Sources() []Source {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Source, 0, len(h.sources))
	for _, src := range h.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}
