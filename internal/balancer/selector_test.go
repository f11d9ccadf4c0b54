package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avlb/internal/config"
)

func testPool(ids ...string) []*Instance {
	pool := make([]*Instance, 0, len(ids))
	for i, id := range ids {
		pool = append(pool, NewInstance(id, "10.0.0.1", 8080+i, 1))
	}
	return pool
}

func TestNewSelector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		algorithm string
		want      string
	}{
		{config.AlgorithmRoundRobin, config.AlgorithmRoundRobin},
		{config.AlgorithmLeastConnections, config.AlgorithmLeastConnections},
		{config.AlgorithmWeightedRoundRobin, config.AlgorithmWeightedRoundRobin},
		{config.AlgorithmIPHash, config.AlgorithmIPHash},
		{config.AlgorithmRandom, config.AlgorithmRandom},
		{config.AlgorithmLeastResponseTime, config.AlgorithmLeastResponseTime},
		{"", config.AlgorithmRoundRobin},
		{"unknown", config.AlgorithmRoundRobin},
	}

	for _, tt := range tests {
		sel := newSelector(tt.algorithm)
		assert.Equal(t, tt.want, sel.algorithm())
	}
}

func TestRoundRobinSelector(t *testing.T) {
	t.Parallel()

	t.Run("cycles through instances in order", func(t *testing.T) {
		t.Parallel()

		sel := &roundRobinSelector{}
		pool := testPool("a", "b", "c")

		var got []string
		for i := 0; i < 9; i++ {
			got = append(got, sel.pick(pool, nil).ID)
		}

		assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a", "b", "c"}, got)
	})

	t.Run("single instance", func(t *testing.T) {
		t.Parallel()

		sel := &roundRobinSelector{}
		pool := testPool("only")

		for i := 0; i < 3; i++ {
			assert.Equal(t, "only", sel.pick(pool, nil).ID)
		}
	})

	t.Run("empty pool returns nil", func(t *testing.T) {
		t.Parallel()

		sel := &roundRobinSelector{}
		assert.Nil(t, sel.pick(nil, nil))
	})

	t.Run("cursor wraps after pool shrinks", func(t *testing.T) {
		t.Parallel()

		sel := &roundRobinSelector{}
		pool := testPool("a", "b", "c")

		for i := 0; i < 5; i++ {
			sel.pick(pool, nil)
		}

		smaller := pool[:2]
		inst := sel.pick(smaller, nil)
		require.NotNil(t, inst)
		assert.Contains(t, []string{"a", "b"}, inst.ID)
	})
}

func TestLeastConnectionsSelector(t *testing.T) {
	t.Parallel()

	t.Run("picks instance with fewest connections", func(t *testing.T) {
		t.Parallel()

		sel := &leastConnectionsSelector{}
		pool := testPool("a", "b", "c")

		pool[0].recordStart()
		pool[0].recordStart()
		pool[1].recordStart()

		assert.Equal(t, "c", sel.pick(pool, nil).ID)
	})

	t.Run("ties break on pool order", func(t *testing.T) {
		t.Parallel()

		sel := &leastConnectionsSelector{}
		pool := testPool("a", "b", "c")

		assert.Equal(t, "a", sel.pick(pool, nil).ID)
	})

	t.Run("empty pool returns nil", func(t *testing.T) {
		t.Parallel()

		sel := &leastConnectionsSelector{}
		assert.Nil(t, sel.pick(nil, nil))
	})
}

func TestWeightedRoundRobinSelector(t *testing.T) {
	t.Parallel()

	t.Run("respects weight proportions", func(t *testing.T) {
		t.Parallel()

		sel := newWeightedRoundRobinSelector()
		pool := []*Instance{
			NewInstance("a", "10.0.0.1", 8080, 3),
			NewInstance("b", "10.0.0.2", 8080, 1),
		}

		counts := make(map[string]int)
		for i := 0; i < 4; i++ {
			counts[sel.pick(pool, nil).ID]++
		}

		assert.Equal(t, 3, counts["a"])
		assert.Equal(t, 1, counts["b"])
	})

	t.Run("exact counts over full weight window", func(t *testing.T) {
		t.Parallel()

		sel := newWeightedRoundRobinSelector()
		pool := []*Instance{
			NewInstance("a", "10.0.0.1", 8080, 5),
			NewInstance("b", "10.0.0.2", 8080, 1),
			NewInstance("c", "10.0.0.3", 8080, 1),
		}

		counts := make(map[string]int)
		for i := 0; i < 7; i++ {
			counts[sel.pick(pool, nil).ID]++
		}

		assert.Equal(t, 5, counts["a"])
		assert.Equal(t, 1, counts["b"])
		assert.Equal(t, 1, counts["c"])
	})

	t.Run("equal weights behave like round robin", func(t *testing.T) {
		t.Parallel()

		sel := newWeightedRoundRobinSelector()
		pool := []*Instance{
			NewInstance("a", "10.0.0.1", 8080, 2),
			NewInstance("b", "10.0.0.2", 8080, 2),
		}

		counts := make(map[string]int)
		for i := 0; i < 4; i++ {
			counts[sel.pick(pool, nil).ID]++
		}

		assert.Equal(t, 2, counts["a"])
		assert.Equal(t, 2, counts["b"])
	})

	t.Run("empty pool returns nil", func(t *testing.T) {
		t.Parallel()

		sel := newWeightedRoundRobinSelector()
		assert.Nil(t, sel.pick(nil, nil))
	})
}

func TestIPHashSelector(t *testing.T) {
	t.Parallel()

	t.Run("same IP maps to same instance", func(t *testing.T) {
		t.Parallel()

		sel := &ipHashSelector{}
		pool := testPool("a", "b", "c")
		sctx := &SelectionContext{ClientIP: "192.168.1.100"}

		first := sel.pick(pool, sctx)
		require.NotNil(t, first)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first.ID, sel.pick(pool, sctx).ID)
		}
	})

	t.Run("mapping is independent of pool order", func(t *testing.T) {
		t.Parallel()

		sel := &ipHashSelector{}
		pool := testPool("a", "b", "c")
		reversed := []*Instance{pool[2], pool[1], pool[0]}
		sctx := &SelectionContext{ClientIP: "10.20.30.40"}

		assert.Equal(t, sel.pick(pool, sctx).ID, sel.pick(reversed, sctx).ID)
	})

	t.Run("missing IP hashes a fixed key", func(t *testing.T) {
		t.Parallel()

		sel := &ipHashSelector{}
		pool := testPool("a", "b", "c")

		first := sel.pick(pool, nil)
		require.NotNil(t, first)
		assert.Equal(t, first.ID, sel.pick(pool, &SelectionContext{}).ID)
	})

	t.Run("empty pool returns nil", func(t *testing.T) {
		t.Parallel()

		sel := &ipHashSelector{}
		assert.Nil(t, sel.pick(nil, &SelectionContext{ClientIP: "1.2.3.4"}))
	})
}

func TestRandomSelector(t *testing.T) {
	t.Parallel()

	t.Run("only picks pool members", func(t *testing.T) {
		t.Parallel()

		sel := newRandomSelector()
		pool := testPool("a", "b", "c")

		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			inst := sel.pick(pool, nil)
			require.NotNil(t, inst)
			seen[inst.ID] = true
		}

		for id := range seen {
			assert.Contains(t, []string{"a", "b", "c"}, id)
		}
	})

	t.Run("empty pool returns nil", func(t *testing.T) {
		t.Parallel()

		sel := newRandomSelector()
		assert.Nil(t, sel.pick(nil, nil))
	})
}

func TestLeastResponseTimeSelector(t *testing.T) {
	t.Parallel()

	t.Run("picks lowest average response time", func(t *testing.T) {
		t.Parallel()

		sel := &leastResponseTimeSelector{}
		pool := testPool("a", "b", "c")

		pool[0].recordEnd(true, 300)
		pool[1].recordEnd(true, 50)
		pool[2].recordEnd(true, 100)

		assert.Equal(t, "b", sel.pick(pool, nil).ID)
	})

	t.Run("falls back to round robin without samples", func(t *testing.T) {
		t.Parallel()

		sel := &leastResponseTimeSelector{}
		pool := testPool("a", "b", "c")

		var got []string
		for i := 0; i < 3; i++ {
			got = append(got, sel.pick(pool, nil).ID)
		}

		assert.Equal(t, []string{"a", "b", "c"}, got)
	})

	t.Run("unsampled instance is preferred over slow ones", func(t *testing.T) {
		t.Parallel()

		sel := &leastResponseTimeSelector{}
		pool := testPool("a", "b", "c")

		pool[0].recordEnd(true, 100)
		pool[1].recordEnd(true, 200)

		assert.Equal(t, "c", sel.pick(pool, nil).ID)
	})

	t.Run("empty pool returns nil", func(t *testing.T) {
		t.Parallel()

		sel := &leastResponseTimeSelector{}
		assert.Nil(t, sel.pick(nil, nil))
	})
}

func TestSessionKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sctx *SelectionContext
		want string
	}{
		{"nil context", nil, ""},
		{"empty context", &SelectionContext{}, ""},
		{"session id wins", &SelectionContext{SessionID: "s", UserID: "u", ClientIP: "ip"}, "s"},
		{"user id over client ip", &SelectionContext{UserID: "u", ClientIP: "ip"}, "u"},
		{"client ip as last resort", &SelectionContext{ClientIP: "ip"}, "ip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.sctx.sessionKey())
		})
	}
}

func TestHashString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(0), hashString(""))
	assert.Equal(t, uint32(97), hashString("a"))
	assert.Equal(t, uint32(96354), hashString("abc"))

	// Stable across calls.
	assert.Equal(t, hashString("192.168.1.1"), hashString("192.168.1.1"))
	// Overflowing hashes stay non-negative after masking.
	assert.LessOrEqual(t, hashString("a-very-long-client-identifier-string"), uint32(0x7fffffff))
}

func TestGCD(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, gcd(3, 1))
	assert.Equal(t, 5, gcd(10, 5))
	assert.Equal(t, 4, gcd(8, 12))
	assert.Equal(t, 7, gcd(7, 0))
}
