// Command streamrpc issues one stream RPC call and prints the result as JSON,
// or as an XML-RPC <value> element with -output xml.
//
//	streamrpc -exec "ssh host streamrpcd" system.ping
//	streamrpc -addr 127.0.0.1:7400 -protocol xml add 1 2
//	streamrpc -registry 127.0.0.1:2379 -service demo echo '{"a": [1, 2]}'
//
// Arguments are parsed as JSON; anything that is not valid JSON is passed as
// a string. With -named the single argument must be an object and is sent as
// named arguments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stream-rpc/client"
	"stream-rpc/codec"
	"stream-rpc/loadbalance"
	"stream-rpc/logging"
	"stream-rpc/message"
	"stream-rpc/piperpc"
	"stream-rpc/protocol"
	"stream-rpc/registry"
	"stream-rpc/transport"
)

type options struct {
	exec        string
	addr        string
	endpoints   string
	service     string
	balancer    string
	key         string
	protocol    string
	jsonVersion int
	legacy      bool
	path        string
	named       bool
	timeout     time.Duration
	logLevel    string
	output      codec.CodecType

	method string
	args   []string
}

func main() {
	code, err := run(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamrpc: %v\n", err)
	}
	os.Exit(code)
}

// run returns exit status 0 on success, 1 on a remote fault and 2 on any
// other failure.
func run(args []string, stdout io.Writer) (int, error) {
	opts, err := parseFlags(args)
	if err != nil {
		return 2, err
	}
	logger := logging.New("streamrpc", logging.Config{Level: opts.logLevel, Format: "console"})

	params, kwargs, err := parseArgs(opts.args, opts.named)
	if err != nil {
		return 2, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	inv, closer, err := connect(ctx, opts, logger)
	if err != nil {
		return 2, err
	}
	defer closer.Close()

	result, err := inv.Invoke(opts.method, params, kwargs)
	if f, ok := message.AsFault(err); ok {
		return 1, fmt.Errorf("fault %d: %s", f.Code, f.Message)
	}
	if err != nil {
		return 2, err
	}
	out, err := codec.GetCodec(opts.output).Marshal(result)
	if err != nil {
		return 2, err
	}
	fmt.Fprintln(stdout, string(out))
	return 0, nil
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("streamrpc", flag.ContinueOnError)
	fs.StringVar(&o.exec, "exec", "", "command to spawn and talk to over its stdin/stdout")
	fs.StringVar(&o.addr, "addr", "", "TCP address of a streamrpcd")
	fs.StringVar(&o.endpoints, "registry", "", "comma separated etcd endpoints to discover -service in")
	fs.StringVar(&o.service, "service", "", "service name to discover")
	fs.StringVar(&o.balancer, "balancer", "round_robin", "round_robin, weighted_random or consistent_hash")
	fs.StringVar(&o.key, "key", "", "consistent hash key")
	fs.StringVar(&o.protocol, "protocol", "json", "json or xml")
	fs.IntVar(&o.jsonVersion, "json-version", 2, "JSON-RPC version, 1 or 2")
	fs.BoolVar(&o.legacy, "legacy", false, "use piperpc framing (xml only)")
	fs.StringVar(&o.path, "path", piperpc.DefaultPath, "piperpc dispatcher path")
	fs.BoolVar(&o.named, "named", false, "send the single object argument as named arguments")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "connect timeout")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level")
	output := fs.String("output", "json", "result format, json or xml")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	switch *output {
	case "json":
		o.output = codec.CodecTypeJSON
	case "xml":
		o.output = codec.CodecTypeXML
	default:
		return options{}, fmt.Errorf("unknown output format %q", *output)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return options{}, errors.New("missing method name")
	}
	o.method, o.args = rest[0], rest[1:]

	targets := 0
	for _, set := range []bool{o.exec != "", o.addr != "", o.endpoints != ""} {
		if set {
			targets++
		}
	}
	if targets != 1 {
		return options{}, errors.New("exactly one of -exec, -addr and -registry is required")
	}
	if o.endpoints != "" && o.service == "" {
		return options{}, errors.New("-registry needs -service")
	}
	if o.legacy && o.protocol != "xml" {
		o.protocol = "xml"
	}
	return o, nil
}

// parseArgs turns command line arguments into call arguments.
func parseArgs(raw []string, named bool) ([]any, map[string]any, error) {
	jc := codec.GetCodec(codec.CodecTypeJSON)
	args := make([]any, 0, len(raw))
	for _, a := range raw {
		v, err := jc.Unmarshal([]byte(a))
		if err != nil {
			v = a
		}
		args = append(args, v)
	}
	if !named {
		return args, nil, nil
	}
	if len(args) != 1 {
		return nil, nil, errors.New("-named takes exactly one object argument")
	}
	kwargs, ok := args[0].(map[string]any)
	if !ok {
		return nil, nil, errors.New("-named argument is not an object")
	}
	return nil, kwargs, nil
}

func engine(o options) (protocol.Engine, error) {
	switch o.protocol {
	case "json":
		return protocol.NewJSONRPC(protocol.WithVersion(o.jsonVersion)), nil
	case "xml":
		return protocol.NewXMLRPC(), nil
	}
	return nil, fmt.Errorf("unknown protocol %q", o.protocol)
}

func connect(ctx context.Context, o options, logger zerolog.Logger) (client.Invoker, io.Closer, error) {
	if o.endpoints != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(o.endpoints, ","), o.timeout)
		if err != nil {
			return nil, nil, err
		}
		defer reg.Close()
		bal, err := loadbalance.New(o.balancer, o.key)
		if err != nil {
			return nil, nil, err
		}
		c, err := client.Dial(ctx, reg, bal, o.service, client.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	}

	var (
		stream *transport.Stream
		err    error
	)
	if o.exec != "" {
		fields := strings.Fields(o.exec)
		if len(fields) == 0 {
			return nil, nil, errors.New("-exec is empty")
		}
		cmd := exec.Command(fields[0], fields[1:]...)
		cmd.Stderr = os.Stderr
		stream, err = transport.Spawn(cmd)
	} else {
		var d net.Dialer
		var conn net.Conn
		if conn, err = d.DialContext(ctx, "tcp", o.addr); err == nil {
			stream = transport.Conn(conn)
		}
	}
	if err != nil {
		return nil, nil, err
	}

	if o.legacy {
		c := piperpc.NewClient(stream, piperpc.WithPath(o.path), piperpc.WithClientLogger(logger))
		return c, c, nil
	}
	e, err := engine(o)
	if err != nil {
		stream.Close()
		return nil, nil, err
	}
	c := client.New(stream, e, client.WithLogger(logger))
	return c, c, nil
}
