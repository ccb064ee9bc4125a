package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/cybusio/vrpc-agent-go/pkg/envelope"
	"github.com/cybusio/vrpc-agent-go/pkg/hostclass"
)

type testInstance struct {
	name    string
	entries map[string]bool
}

type testPromise struct {
	mu        sync.Mutex
	onResolve func(interface{})
	onReject  func(error)
}

func (p *testPromise) Then(onResolve func(interface{}), onReject func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResolve = onResolve
	p.onReject = onReject
}

func (p *testPromise) resolve(v interface{}) {
	p.mu.Lock()
	fn := p.onResolve
	p.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

func newTestClass() hostclass.Class {
	ctor := hostclass.Constructor{
		Arity: 3,
		New: func(args []hostclass.Value) (hostclass.Value, error) {
			name, _ := args[0].(string)
			return &testInstance{name: name, entries: make(map[string]bool)}, nil
		},
	}
	members := []hostclass.Method{
		{
			Name:  "hasEntry",
			Arity: 1,
			Call: func(target hostclass.Value, args []hostclass.Value) (hostclass.Value, error) {
				inst := target.(*testInstance)
				key, _ := args[0].(string)
				return inst.entries[key], nil
			},
		},
		{
			Name:  "callMeBackLater",
			Arity: 1,
			Call: func(target hostclass.Value, args []hostclass.Value) (hostclass.Value, error) {
				cb, _ := args[0].(func(args ...interface{}))
				p := &testPromise{}
				go func() {
					time.Sleep(5 * time.Millisecond)
					if cb != nil {
						cb("called-back")
					}
					p.resolve("done")
				}()
				return p, nil
			},
		},
	}
	return hostclass.New(hostclass.ClassMeta{Name: "TestClass"}, []hostclass.Constructor{ctor}, members, nil)
}

func TestCreateAndCall(t *testing.T) {
	r := New("agent1")
	r.Register("TestClass", newTestClass())

	createEnv := envelope.New("TestClass", envelope.MethodCreate, "s1", "1")
	createEnv.SetArg(1, "alice")
	createEnv.SetArg(2, "nice")
	createEnv.SetArg(3, 1.0)
	outcome := r.Call(createEnv, "client-a")

	if createEnv.HasError() {
		t.Fatalf("unexpected error: %s", createEnv.Error())
	}
	id, ok := createEnv.Result().(string)
	if !ok || id == "" {
		t.Fatalf("expected non-empty string id, got %v", createEnv.Result())
	}
	if !outcome.Created || outcome.Named {
		t.Fatalf("expected anonymous creation outcome, got %+v", outcome)
	}

	ids := r.GetAvailableInstances("TestClass")
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected instance %s tracked, got %v", id, ids)
	}

	callEnv := envelope.New(id, "hasEntry", "s1", "2")
	callEnv.SetArg(1, "test")
	r.Call(callEnv, "client-a")
	if callEnv.HasError() {
		t.Fatalf("unexpected error: %s", callEnv.Error())
	}
	if callEnv.Result() != false {
		t.Fatalf("expected data.r = false, got %v", callEnv.Result())
	}
}

func TestNamedCreateAndDelete(t *testing.T) {
	r := New("agent1")
	r.Register("TestClass", newTestClass())

	createEnv := envelope.New("TestClass", envelope.MethodCreateNamed, "s2", "")
	createEnv.SetArg(1, "alice")
	createEnv.SetArg(2, "nice")
	createEnv.SetArg(3, 1.0)
	outcome := r.Call(createEnv, "client-b")
	if createEnv.Result() != "alice" {
		t.Fatalf("expected data.r = alice, got %v", createEnv.Result())
	}
	if !outcome.Created || !outcome.Named {
		t.Fatalf("expected named creation outcome, got %+v", outcome)
	}

	info := r.ClassInfoDoc("TestClass")
	if len(info.Instances) != 1 || info.Instances[0] != "alice" {
		t.Fatalf("expected class-info to list alice, got %v", info.Instances)
	}

	deleteEnv := envelope.New("TestClass", envelope.MethodDelete, "s2", "")
	deleteEnv.SetArg(1, "alice")
	delOutcome := r.Call(deleteEnv, "client-b")
	if deleteEnv.Result() != true {
		t.Fatalf("expected data.r = true, got %v", deleteEnv.Result())
	}
	if !delOutcome.Deleted || !delOutcome.Named {
		t.Fatalf("expected named delete outcome, got %+v", delOutcome)
	}

	info = r.ClassInfoDoc("TestClass")
	if len(info.Instances) != 0 {
		t.Fatalf("expected alice absent after delete, got %v", info.Instances)
	}

	getEnv := envelope.New("TestClass", envelope.MethodGetNamed, "s2", "")
	getEnv.SetArg(1, "alice")
	r.Call(getEnv, "client-b")
	if !getEnv.HasError() {
		t.Fatalf("expected error looking up deleted context, got %v", getEnv.Result())
	}
}

func TestUnknownContextAndMethod(t *testing.T) {
	r := New("agent1")
	r.Register("TestClass", newTestClass())

	env := envelope.New("nope", "whatever", "s3", "")
	r.Call(env, "client-c")
	if env.Error() != "Could not find context: nope" {
		t.Fatalf("unexpected error: %q", env.Error())
	}

	createEnv := envelope.New("TestClass", envelope.MethodCreate, "s3", "")
	createEnv.SetArg(1, "x")
	createEnv.SetArg(2, "y")
	createEnv.SetArg(3, 1.0)
	r.Call(createEnv, "client-c")
	id := createEnv.Result().(string)

	callEnv := envelope.New(id, "not_there", "s3", "")
	r.Call(callEnv, "client-c")
	if callEnv.Error() != "Could not find function: not_there" {
		t.Fatalf("unexpected error: %q", callEnv.Error())
	}
}

func TestCallbackAndPromiseForwarding(t *testing.T) {
	r := New("agent1")
	r.Register("TestClass", newTestClass())

	var mu sync.Mutex
	var received []*envelope.Envelope
	done := make(chan struct{}, 2)
	r.OnCallback(func(e *envelope.Envelope) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		done <- struct{}{}
	})

	createEnv := envelope.New("TestClass", envelope.MethodCreate, "s4", "")
	createEnv.SetArg(1, "x")
	createEnv.SetArg(2, "y")
	createEnv.SetArg(3, 1.0)
	r.Call(createEnv, "client-d")
	id := createEnv.Result().(string)

	callEnv := envelope.New(id, "callMeBackLater", "s4", "4")
	callEnv.SetArg(1, "__f__cb-1")
	r.Call(callEnv, "client-d")

	promiseTag, ok := callEnv.Result().(string)
	if !ok {
		t.Fatalf("expected immediate promise tag result, got %v", callEnv.Result())
	}
	if _, isPromise := envelope.IsPromiseTag(promiseTag); !isPromise {
		t.Fatalf("expected a __p__ tag, got %q", promiseTag)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for callback emission %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 emitted envelopes, got %d", len(received))
	}
	var sawCallback, sawPromise bool
	for _, e := range received {
		switch e.ID {
		case "cb-1":
			sawCallback = true
			if e.Sender != "s4" {
				t.Fatalf("callback envelope should target s4, got %s", e.Sender)
			}
		case promiseTag:
			sawPromise = true
		}
	}
	if !sawCallback || !sawPromise {
		t.Fatalf("expected both callback and promise emission, got ids %v", idsOf(received))
	}
}

func idsOf(envs []*envelope.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.ID
	}
	return out
}
