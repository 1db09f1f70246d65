package client

import (
	"context"
	"fmt"
	"net"

	"stream-rpc/loadbalance"
	"stream-rpc/protocol"
	"stream-rpc/registry"
	"stream-rpc/split"
	"stream-rpc/transport"
)

// Dial discovers the instances of service in reg, lets bal pick one and
// connects to it over TCP. The engine follows the instance's Protocol and
// JSONVersion; instances that detect the protocol are spoken to in JSON-RPC.
func Dial(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(service)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", service, err)
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("client: pick %s: %w", service, err)
	}
	return DialInstance(ctx, *inst, opts...)
}

// DialInstance connects to one known instance.
func DialInstance(ctx context.Context, inst registry.ServiceInstance, opts ...Option) (*Client, error) {
	engine, err := engineFor(inst)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", inst.Addr)
	if err != nil {
		return nil, err
	}
	return New(transport.Conn(conn), engine, opts...), nil
}

func engineFor(inst registry.ServiceInstance) (protocol.Engine, error) {
	switch inst.Protocol {
	case "", "auto", string(split.JSON):
		if inst.JSONVersion == 1 {
			return protocol.NewJSONRPC(protocol.WithVersion(1)), nil
		}
		return protocol.NewJSONRPC(), nil
	}
	return protocol.ForFormat(split.Format(inst.Protocol))
}
