// Package registry records where socket-served stream RPC daemons listen.
//
// A daemon serving over TCP announces one ServiceInstance per listener; a
// client discovers the instances of a service and dials one of them. Daemons
// on stdio or pipes are never registered.
package registry

import "errors"

var ErrNoInstances = errors.New("registry: no instances available")

type ServiceInstance struct {
	Addr        string `json:"addr"`
	Protocol    string `json:"protocol,omitempty"`     // "xml", "json", or empty when the server detects it
	JSONVersion int    `json:"json_version,omitempty"` // JSON-RPC version clients should speak, 2 when zero
	Weight      int    `json:"weight"`                 // Weight for load balancing
	Version     string `json:"version,omitempty"`
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
	Close() error
}
