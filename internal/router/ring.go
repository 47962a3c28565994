package router

import (
	"fmt"
	"sort"
	"sync"
)

// VirtualNodes is how many positions each physical worker occupies on the
// ring. DJB2 buckets unevenly for small worker counts; 100 virtual nodes
// keeps the expected load deviation within ~10% for typical symbol counts.
const VirtualNodes = 100

// djb2 is the DJB2 string hash seeded at 5381, masked to 32 bits.
func djb2(s string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(s); i++ {
		h = ((h << 5) + h) + uint32(s[i])
	}
	return h
}

type virtualNode struct {
	hash     uint32
	id       string // "<worker_id>-<i>", tie-break key for equal hashes
	workerID string
}

// HashRing is a consistent-hash ring over worker ids. The supervisor is the
// only writer (AddWorker/RemoveWorker); the router reads it under RLock. The
// ring holds no trade state and is fully reconstructible from the worker set.
type HashRing struct {
	mu      sync.RWMutex
	nodes   []virtualNode
	workers map[string]struct{}
}

// NewHashRing creates an empty ring.
func NewHashRing() *HashRing {
	return &HashRing{workers: make(map[string]struct{})}
}

// AddWorker inserts a worker as VirtualNodes positions on the ring.
// Adding an existing worker is a no-op.
func (r *HashRing) AddWorker(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[workerID]; ok {
		return
	}
	r.workers[workerID] = struct{}{}

	for i := 0; i < VirtualNodes; i++ {
		id := fmt.Sprintf("%s-%d", workerID, i)
		r.nodes = append(r.nodes, virtualNode{hash: djb2(id), id: id, workerID: workerID})
	}
	r.sortNodes()
}

// RemoveWorker removes a worker's virtual nodes. Symbols it owned resolve to
// the next clockwise owner; migrating or discarding their state is the
// caller's responsibility.
func (r *HashRing) RemoveWorker(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[workerID]; !ok {
		return
	}
	delete(r.workers, workerID)

	kept := r.nodes[:0]
	for _, n := range r.nodes {
		if n.workerID != workerID {
			kept = append(kept, n)
		}
	}
	r.nodes = kept
}

func (r *HashRing) sortNodes() {
	sort.Slice(r.nodes, func(i, j int) bool {
		if r.nodes[i].hash != r.nodes[j].hash {
			return r.nodes[i].hash < r.nodes[j].hash
		}
		return r.nodes[i].id < r.nodes[j].id
	})
}

// Lookup hashes the symbol and returns the physical worker of the nearest
// clockwise virtual node, wrapping past the top of the ring.
func (r *HashRing) Lookup(symbol string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) == 0 {
		return "", false
	}
	h := djb2(symbol)
	idx := sort.Search(len(r.nodes), func(i int) bool {
		return r.nodes[i].hash >= h
	})
	if idx == len(r.nodes) {
		idx = 0
	}
	return r.nodes[idx].workerID, true
}

// Workers returns the current physical worker set.
func (r *HashRing) Workers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.workers))
	for id := range r.workers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of physical workers on the ring.
func (r *HashRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
