package balancer

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avlb/internal/config"
)

// SelectionContext carries optional request attributes used by IP-hash
// and sticky-session logic.
type SelectionContext struct {
	ClientIP  string
	SessionID string
	UserID    string
}

// sessionKey derives the affinity key: sessionId, then userId, then
// clientIp, first present wins. Empty when no identifier is available.
func (c *SelectionContext) sessionKey() string {
	if c == nil {
		return ""
	}
	switch {
	case c.SessionID != "":
		return c.SessionID
	case c.UserID != "":
		return c.UserID
	default:
		return c.ClientIP
	}
}

// defaultHashKey is hashed when the selection context has no client IP.
const defaultHashKey = "default"

// selector picks one instance from the eligible pool. Implementations
// hold per-service state (cursors, weight accumulators) and must return
// nil only for an empty pool.
type selector interface {
	pick(pool []*Instance, sctx *SelectionContext) *Instance
	algorithm() string
}

// newSelector creates the selector for the configured algorithm,
// defaulting to round-robin.
func newSelector(algorithm string) selector {
	switch algorithm {
	case config.AlgorithmLeastConnections:
		return &leastConnectionsSelector{}
	case config.AlgorithmWeightedRoundRobin:
		return newWeightedRoundRobinSelector()
	case config.AlgorithmIPHash:
		return &ipHashSelector{}
	case config.AlgorithmRandom:
		return newRandomSelector()
	case config.AlgorithmLeastResponseTime:
		return &leastResponseTimeSelector{}
	default:
		return &roundRobinSelector{}
	}
}

// roundRobinSelector advances a per-service cursor by one on every
// selection, modulo pool size. The cursor persists across pool membership
// changes; an out-of-range cursor wraps via modulo.
type roundRobinSelector struct {
	cursor atomic.Uint64
}

func (s *roundRobinSelector) pick(pool []*Instance, _ *SelectionContext) *Instance {
	if len(pool) == 0 {
		return nil
	}
	idx := s.cursor.Add(1) - 1
	return pool[idx%uint64(len(pool))]
}

func (s *roundRobinSelector) algorithm() string { return config.AlgorithmRoundRobin }

// leastConnectionsSelector picks the instance with the fewest in-flight
// requests; ties break on pool iteration order.
type leastConnectionsSelector struct{}

func (s *leastConnectionsSelector) pick(pool []*Instance, _ *SelectionContext) *Instance {
	if len(pool) == 0 {
		return nil
	}

	var selected *Instance
	minConns := int64(-1)
	for _, inst := range pool {
		conns := inst.ActiveConnections()
		if minConns < 0 || conns < minConns {
			minConns = conns
			selected = inst
		}
	}
	return selected
}

func (s *leastConnectionsSelector) algorithm() string { return config.AlgorithmLeastConnections }

// weightedRoundRobinSelector implements the interleaved weighted
// round-robin scheduler: a cursor walks the pool while a current-weight
// accumulator decreases by the pool GCD each full cycle. Over any window
// of sum(weights) selections each instance is chosen weight times, and a
// pick costs O(pool) regardless of weight magnitude.
type weightedRoundRobinSelector struct {
	mu            sync.Mutex
	index         int
	currentWeight int
}

func newWeightedRoundRobinSelector() *weightedRoundRobinSelector {
	return &weightedRoundRobinSelector{index: -1}
}

func (s *weightedRoundRobinSelector) pick(pool []*Instance, _ *SelectionContext) *Instance {
	if len(pool) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Recomputed each call to handle pool membership changes.
	gcdW := poolGCD(pool)
	maxW := poolMaxWeight(pool)

	if maxW == 0 || gcdW == 0 {
		s.index = (s.index + 1) % len(pool)
		return pool[s.index]
	}

	// Bounded walk so malformed state can never loop forever.
	maxIterations := len(pool) * (maxW/gcdW + 1)
	for i := 0; i < maxIterations; i++ {
		s.index = (s.index + 1) % len(pool)
		if s.index == 0 {
			s.currentWeight -= gcdW
			if s.currentWeight <= 0 {
				s.currentWeight = maxW
			}
		}
		if pool[s.index].Weight >= s.currentWeight {
			return pool[s.index]
		}
	}

	return pool[0]
}

func (s *weightedRoundRobinSelector) algorithm() string {
	return config.AlgorithmWeightedRoundRobin
}

func poolGCD(pool []*Instance) int {
	result := 0
	for _, inst := range pool {
		result = gcd(result, inst.Weight)
	}
	if result == 0 {
		return 1
	}
	return result
}

func poolMaxWeight(pool []*Instance) int {
	maxW := 0
	for _, inst := range pool {
		if inst.Weight > maxW {
			maxW = inst.Weight
		}
	}
	return maxW
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ipHashSelector maps the client IP to a stable index into the pool
// sorted by instance ID, so the same IP keeps hitting the same instance
// as long as pool membership is unchanged.
type ipHashSelector struct{}

func (s *ipHashSelector) pick(pool []*Instance, sctx *SelectionContext) *Instance {
	if len(pool) == 0 {
		return nil
	}

	key := defaultHashKey
	if sctx != nil && sctx.ClientIP != "" {
		key = sctx.ClientIP
	}

	sorted := make([]*Instance, len(pool))
	copy(sorted, pool)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	idx := hashString(key) % uint32(len(sorted))
	return sorted[idx]
}

func (s *ipHashSelector) algorithm() string { return config.AlgorithmIPHash }

// randomSelector picks a uniformly random pool member.
type randomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newRandomSelector() *randomSelector {
	//nolint:gosec // weak random is acceptable for load balancing
	return &randomSelector{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *randomSelector) pick(pool []*Instance, _ *SelectionContext) *Instance {
	if len(pool) == 0 {
		return nil
	}

	s.mu.Lock()
	idx := s.rng.Intn(len(pool))
	s.mu.Unlock()

	return pool[idx]
}

func (s *randomSelector) algorithm() string { return config.AlgorithmRandom }

// leastResponseTimeSelector picks the instance with the lowest mean
// response time. Until any instance in the pool has recorded a sample it
// behaves as round-robin for that call.
type leastResponseTimeSelector struct {
	fallback roundRobinSelector
}

func (s *leastResponseTimeSelector) pick(pool []*Instance, sctx *SelectionContext) *Instance {
	if len(pool) == 0 {
		return nil
	}

	var selected *Instance
	minAvg := -1.0
	sampled := false
	for _, inst := range pool {
		avg, samples := inst.AvgResponseTime()
		if samples > 0 {
			sampled = true
		}
		if minAvg < 0 || avg < minAvg {
			minAvg = avg
			selected = inst
		}
	}

	if !sampled {
		return s.fallback.pick(pool, sctx)
	}
	return selected
}

func (s *leastResponseTimeSelector) algorithm() string {
	return config.AlgorithmLeastResponseTime
}

// hashString is a 32-bit polynomial rolling hash (multiplier 31) over the
// UTF-8 bytes of s, with the sign bit masked off. Identical strings hash
// identically across process runs.
func hashString(s string) uint32 {
	var h int32
	for _, b := range []byte(s) {
		h = h*31 + int32(b)
	}
	return uint32(h) & 0x7fffffff
}
