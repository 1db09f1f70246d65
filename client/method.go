package client

import "strings"

// Invoker performs one named call. *Client and *piperpc.Client implement it.
type Invoker interface {
	Invoke(method string, args []any, kwargs map[string]any) (any, error)
}

// Method accumulates a dot-joined method name, so namespaced methods can be
// reached without declaring an interface for them:
//
//	c.Method("system").Attr("listMethods").Call()
type Method struct {
	invoker Invoker
	name    string
}

func NewMethod(invoker Invoker, name string) *Method {
	return &Method{invoker: invoker, name: name}
}

// Attr returns the method name extended by one more segment.
func (m *Method) Attr(name string) *Method {
	return &Method{invoker: m.invoker, name: m.name + "." + name}
}

// Path extends the name by every segment of a dot-separated path.
func (m *Method) Path(path string) *Method {
	out := m
	for _, seg := range strings.Split(path, ".") {
		out = out.Attr(seg)
	}
	return out
}

func (m *Method) Name() string {
	return m.name
}

func (m *Method) Call(args ...any) (any, error) {
	return m.invoker.Invoke(m.name, args, nil)
}

func (m *Method) CallNamed(kwargs map[string]any) (any, error) {
	return m.invoker.Invoke(m.name, nil, kwargs)
}

func (m *Method) Invoke(args []any, kwargs map[string]any) (any, error) {
	return m.invoker.Invoke(m.name, args, kwargs)
}
