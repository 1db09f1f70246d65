// Package loadbalance picks which registered daemon a client dials.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity daemons
//   - WeightedRandom:  daemons with different capacity, by ServiceInstance.Weight
//   - ConsistentHash:  a given client key keeps landing on the same daemon
package loadbalance

import (
	"fmt"

	"stream-rpc/registry"
)

// Balancer is the interface for load balancing strategies.
// client.Dial calls Pick() once per connection it opens.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. key is only used by
// "consistent_hash".
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
