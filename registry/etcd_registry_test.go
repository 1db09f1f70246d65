package registry

import (
	"os"
	"strings"
	"testing"
	"time"
)

func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	env := os.Getenv("STREAMRPC_ETCD_ENDPOINTS")
	if env == "" {
		t.Skip("STREAMRPC_ETCD_ENDPOINTS not set")
	}
	return strings.Split(env, ",")
}

func TestRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Protocol: "json", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register("Echo", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("Echo", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("Echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister("Echo", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover("Echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}

	reg.Deregister("Echo", inst2.Addr)
}

func TestEtcdWatch(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	ch := reg.Watch("Watched")
	time.Sleep(100 * time.Millisecond)
	if err := reg.Register("Watched", ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister("Watched", "127.0.0.1:9001")

	select {
	case instances := <-ch:
		if len(instances) != 1 || instances[0].Addr != "127.0.0.1:9001" {
			t.Fatalf("unexpected watch update %v", instances)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update")
	}
}
