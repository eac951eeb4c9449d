package balancer

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mixaill76/auto_ai_gateway/internal/credential"
)

// Strategy selects one credential among the Active ones.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastUsed  Strategy = "least_used"
	StrategyRandom     Strategy = "random"
)

// ParseStrategy accepts the config spelling of a strategy. Empty means round robin.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round_robin", "roundrobin", "round-robin":
		return StrategyRoundRobin, nil
	case "least_used", "leastused", "least-used":
		return StrategyLeastUsed, nil
	case "random":
		return StrategyRandom, nil
	default:
		return "", fmt.Errorf("unknown balancing strategy %q", s)
	}
}

// pick applies the strategy to a non-empty candidate list.
//
// Round robin reads a snapshot and bumps a shared counter without locking;
// concurrent status changes between snapshot and pick may skew the rotation.
func pick(strategy Strategy, candidates []credential.Credential, counter *atomic.Uint64, now time.Time) credential.Credential {
	n := uint64(len(candidates))
	switch strategy {
	case StrategyLeastUsed:
		best := 0
		for i := 1; i < len(candidates); i++ {
			if candidates[i].Stats.TotalRequests < candidates[best].Stats.TotalRequests {
				best = i
			}
		}
		return candidates[best]
	case StrategyRandom:
		return candidates[uint64(now.UnixNano())%n]
	default:
		idx := counter.Add(1) - 1
		return candidates[idx%n]
	}
}
