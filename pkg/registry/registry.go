// Package registry implements the adapter: the class registry, instance
// table, and synchronous call dispatcher that together translate wire
// envelopes into calls on registered Go (or Go-wrapped) classes.
//
// The registry never surfaces user-visible failures as Go errors from
// Call: every outcome is written into the envelope's data map, and Call
// always returns. Only programming bugs (a nil registry, a nil class)
// panic.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cybusio/vrpc-agent-go/pkg/envelope"
	"github.com/cybusio/vrpc-agent-go/pkg/hostclass"
)

// ClassInfo is the read-only view of one class used to build the retained
// class-info document.
type ClassInfo struct {
	ClassName       string             `json:"className"`
	Instances       []string           `json:"instances"`
	MemberFunctions []hostclass.Method `json:"memberFunctions"`
	StaticFunctions []hostclass.Method `json:"staticFunctions"`
	Meta            hostclass.ClassMeta `json:"meta"`
}

// Outcome summarizes a dispatch for the caller (normally the Agent), which
// uses it to drive client/instance tracking side effects without the
// registry needing to know anything about brokers or topics.
type Outcome struct {
	Method     string
	ClassName  string
	InstanceID string
	Named      bool
	Created    bool // true if __create__/__createNamed__ produced a new instance
	Deleted    bool // true if __delete__ actually removed an instance
}

type subscription struct {
	clientID   string
	eventName  string
	callbackID string
}

type instanceRecord struct {
	value     hostclass.Value
	className string
	id        string
	named     bool
	subs      []subscription
}

// Registry holds registered classes and live instances and performs
// synchronous dispatch. Safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	agentID string

	classes            map[string]hostclass.Class
	instances          map[string]*instanceRecord
	classInstanceOrder map[string][]string // className -> instance ids, creation order

	anonSeq    uint64
	promiseSeq uint64

	callback func(*envelope.Envelope)
}

// New creates an empty registry. agentID is folded into generated anonymous
// instance ids so they stay collision-free across agent restarts.
func New(agentID string) *Registry {
	return &Registry{
		agentID:            agentID,
		classes:            make(map[string]hostclass.Class),
		instances:          make(map[string]*instanceRecord),
		classInstanceOrder: make(map[string][]string),
	}
}

// OnCallback installs the single sink that receives encoded callback and
// promise-resolution envelopes emitted during or after a dispatch.
func (r *Registry) OnCallback(handler func(*envelope.Envelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = handler
}

func (r *Registry) emit(env *envelope.Envelope) {
	r.mu.Lock()
	cb := r.callback
	r.mu.Unlock()
	if cb != nil {
		cb(env)
	}
}

// Register adds or replaces a class. Re-registration with the same name
// replaces the prior descriptor; existing instances of that class keep
// running under the previous descriptor's Go value.
func (r *Registry) Register(name string, class hostclass.Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[name] = class
	if _, ok := r.classInstanceOrder[name]; !ok {
		r.classInstanceOrder[name] = nil
	}
}

// GetAvailableClasses lists registered class names.
func (r *Registry) GetAvailableClasses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetAvailableInstances lists live instance ids of className in creation order.
func (r *Registry) GetAvailableInstances(className string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.classInstanceOrder[className]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// GetAvailableMemberFunctions returns className's member method table.
func (r *Registry) GetAvailableMemberFunctions(className string) []hostclass.Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[className]
	if !ok {
		return nil
	}
	return c.Members()
}

// GetAvailableStaticFunctions returns className's static method table.
func (r *Registry) GetAvailableStaticFunctions(className string) []hostclass.Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[className]
	if !ok {
		return nil
	}
	return c.Statics()
}

// GetAvailableMetaData returns className's class-level metadata.
func (r *Registry) GetAvailableMetaData(className string) hostclass.ClassMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[className]
	if !ok {
		return hostclass.ClassMeta{}
	}
	return c.Meta()
}

// ClassInfoDoc builds the full retained class-info document for className.
func (r *Registry) ClassInfoDoc(className string) ClassInfo {
	return ClassInfo{
		ClassName:       className,
		Instances:       r.GetAvailableInstances(className),
		MemberFunctions: r.GetAvailableMemberFunctions(className),
		StaticFunctions: r.GetAvailableStaticFunctions(className),
		Meta:            r.GetAvailableMetaData(className),
	}
}

// ClassNameOf returns the class name of a live instance, used by the agent
// to synthesize a __delete__ call when it only knows an instance id (e.g.
// while garbage-collecting a disappeared client).
func (r *Registry) ClassNameOf(instanceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return "", false
	}
	return inst.className, true
}

// UnregisterEventListeners removes every event subscription registered on
// behalf of clientID, across all instances of all classes.
func (r *Registry) UnregisterEventListeners(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		kept := inst.subs[:0]
		for _, s := range inst.subs {
			if s.clientID != clientID {
				kept = append(kept, s)
			}
		}
		inst.subs = kept
	}
}

// Call is the synchronous dispatch entry point. clientID identifies the
// caller (derived by the Agent from the envelope's sender topic) and is
// used only for event-subscription bookkeeping. env is mutated in place
// and Call always returns an Outcome describing any lifecycle side effect
// the Agent's tracker needs to apply.
func (r *Registry) Call(env *envelope.Envelope, clientID string) Outcome {
	var outcome Outcome
	switch env.Method {
	case envelope.MethodCreate:
		outcome = r.dispatchCreate(env)
	case envelope.MethodCreateNamed:
		outcome = r.dispatchCreateNamed(env)
	case envelope.MethodGetNamed:
		outcome = r.dispatchGetNamed(env)
	case envelope.MethodDelete:
		outcome = r.dispatchDelete(env)
	case envelope.MethodCallAll:
		outcome = r.dispatchCallAll(env, clientID)
	default:
		outcome = r.dispatchMethod(env, clientID)
	}
	r.sanitizeResult(env)
	return outcome
}

func (r *Registry) dispatchCreate(env *envelope.Envelope) Outcome {
	className := env.Context
	r.mu.Lock()
	class, ok := r.classes[className]
	r.mu.Unlock()
	if !ok {
		env.SetError("Could not find context: %s", className)
		return Outcome{Method: env.Method}
	}
	ctors := class.Constructors()
	if len(ctors) == 0 {
		env.SetError("Could not find function: %s", env.Method)
		return Outcome{Method: env.Method}
	}
	value, err := ctors[0].New(env.Args())
	if err != nil {
		env.SetError("%s", err.Error())
		return Outcome{Method: env.Method}
	}

	r.mu.Lock()
	id := fmt.Sprintf("%s-%d", r.agentID, r.nextAnonID())
	r.instances[id] = &instanceRecord{value: value, className: className, id: id, named: false}
	r.classInstanceOrder[className] = append(r.classInstanceOrder[className], id)
	r.mu.Unlock()

	env.SetResult(id)
	return Outcome{Method: env.Method, ClassName: className, InstanceID: id, Named: false, Created: true}
}

func (r *Registry) nextAnonID() uint64 {
	r.anonSeq++
	return r.anonSeq
}

func (r *Registry) dispatchCreateNamed(env *envelope.Envelope) Outcome {
	className := env.Context
	args := env.Args()
	if len(args) < 1 {
		env.SetError("Could not find function: %s", env.Method)
		return Outcome{Method: env.Method}
	}
	name, _ := args[0].(string)

	r.mu.Lock()
	if _, ok := r.instances[name]; ok {
		r.mu.Unlock()
		env.SetResult(name)
		return Outcome{Method: env.Method, ClassName: className, InstanceID: name, Named: true, Created: false}
	}
	class, ok := r.classes[className]
	r.mu.Unlock()
	if !ok {
		env.SetError("Could not find context: %s", className)
		return Outcome{Method: env.Method}
	}
	ctors := class.Constructors()
	if len(ctors) == 0 {
		env.SetError("Could not find function: %s", env.Method)
		return Outcome{Method: env.Method}
	}
	value, err := ctors[0].New(args[1:])
	if err != nil {
		env.SetError("%s", err.Error())
		return Outcome{Method: env.Method}
	}

	r.mu.Lock()
	r.instances[name] = &instanceRecord{value: value, className: className, id: name, named: true}
	r.classInstanceOrder[className] = append(r.classInstanceOrder[className], name)
	r.mu.Unlock()

	env.SetResult(name)
	return Outcome{Method: env.Method, ClassName: className, InstanceID: name, Named: true, Created: true}
}

func (r *Registry) dispatchGetNamed(env *envelope.Envelope) Outcome {
	args := env.Args()
	if len(args) < 1 {
		env.SetError("Could not find function: %s", env.Method)
		return Outcome{Method: env.Method}
	}
	name, _ := args[0].(string)

	r.mu.Lock()
	inst, ok := r.instances[name]
	r.mu.Unlock()
	if !ok {
		env.SetError("Could not find context: %s", name)
		return Outcome{Method: env.Method}
	}
	env.SetResult(name)
	return Outcome{Method: env.Method, ClassName: inst.className, InstanceID: name, Named: true, Created: false}
}

func (r *Registry) dispatchDelete(env *envelope.Envelope) Outcome {
	args := env.Args()
	if len(args) < 1 {
		env.SetError("Could not find function: %s", env.Method)
		return Outcome{Method: env.Method}
	}
	name, _ := args[0].(string)

	r.mu.Lock()
	inst, ok := r.instances[name]
	if !ok {
		r.mu.Unlock()
		env.SetResult(false)
		return Outcome{Method: env.Method}
	}
	delete(r.instances, name)
	ids := r.classInstanceOrder[inst.className]
	for i, id := range ids {
		if id == name {
			r.classInstanceOrder[inst.className] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	env.SetResult(true)
	return Outcome{Method: env.Method, ClassName: inst.className, InstanceID: name, Named: inst.named, Deleted: true}
}

func (r *Registry) dispatchCallAll(env *envelope.Envelope, clientID string) Outcome {
	args := env.Args()
	if len(args) < 1 {
		env.SetError("Could not find function: %s", env.Method)
		return Outcome{Method: env.Method}
	}
	methodName, _ := args[0].(string)
	className := env.Context

	r.mu.Lock()
	class, ok := r.classes[className]
	ids := append([]string(nil), r.classInstanceOrder[className]...)
	r.mu.Unlock()
	if !ok {
		env.SetError("Could not find context: %s", className)
		return Outcome{Method: env.Method}
	}
	method, ok := findMethod(class.Members(), methodName)
	if !ok {
		env.SetError("Could not find function: %s", methodName)
		return Outcome{Method: env.Method}
	}

	records := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		sub := envelope.New(id, methodName, env.Sender, env.ID)
		for i, a := range args[1:] {
			sub.SetArg(i+1, a)
		}
		r.invokeMember(sub, id, method, clientID)
		rec := map[string]interface{}{"instance": id}
		if sub.HasError() {
			rec["e"] = sub.Error()
		} else {
			rec["r"] = sub.Result()
		}
		records = append(records, rec)
	}
	env.SetResult(records)
	return Outcome{Method: env.Method, ClassName: className}
}

func (r *Registry) dispatchMethod(env *envelope.Envelope, clientID string) Outcome {
	context := env.Context

	r.mu.Lock()
	inst, isInstance := r.instances[context]
	var class hostclass.Class
	var isClass bool
	if isInstance {
		class = r.classes[inst.className]
	} else {
		class, isClass = r.classes[context]
	}
	r.mu.Unlock()

	switch {
	case isInstance:
		method, ok := findMethod(class.Members(), env.Method)
		if !ok {
			env.SetError("Could not find function: %s", env.Method)
			return Outcome{Method: env.Method}
		}
		r.invokeMember(env, context, method, clientID)
		return Outcome{Method: env.Method, ClassName: inst.className, InstanceID: inst.id}
	case isClass:
		method, ok := findMethod(class.Statics(), env.Method)
		if !ok {
			env.SetError("Could not find function: %s", env.Method)
			return Outcome{Method: env.Method}
		}
		r.invokeStatic(env, method, clientID)
		return Outcome{Method: env.Method, ClassName: context}
	default:
		env.SetError("Could not find context: %s", context)
		return Outcome{Method: env.Method}
	}
}

func (r *Registry) invokeMember(env *envelope.Envelope, instanceID string, method hostclass.Method, clientID string) {
	r.mu.Lock()
	inst, ok := r.instances[instanceID]
	r.mu.Unlock()
	if !ok {
		env.SetError("Could not find context: %s", instanceID)
		return
	}
	args := r.bindCallbackArgs(env, instanceID, method, clientID)
	result, err := method.Call(inst.value, args)
	r.finishInvoke(env, result, err)
}

func (r *Registry) invokeStatic(env *envelope.Envelope, method hostclass.Method, clientID string) {
	args := r.bindCallbackArgs(env, "", method, clientID)
	result, err := method.Call(nil, args)
	r.finishInvoke(env, result, err)
}

// bindCallbackArgs replaces __f__/__p__ placeholder strings with live
// callback closures that, when invoked, emit a new envelope through the
// callback sink tagged with the placeholder's id. When method is an event
// source, the substitution is additionally recorded as a standing
// subscription on the instance so unregisterEventListeners can find it.
func (r *Registry) bindCallbackArgs(env *envelope.Envelope, instanceID string, method hostclass.Method, clientID string) []hostclass.Value {
	args := env.Args()
	out := make([]hostclass.Value, len(args))
	for i, a := range args {
		if id, ok := envelope.IsCallbackTag(a); ok {
			out[i] = r.makeCallback(env.Sender, id)
			if method.EventSource && instanceID != "" {
				r.mu.Lock()
				if inst, ok := r.instances[instanceID]; ok {
					inst.subs = append(inst.subs, subscription{clientID: clientID, eventName: method.Name, callbackID: id})
				}
				r.mu.Unlock()
			}
			continue
		}
		if id, ok := envelope.IsPromiseTag(a); ok {
			out[i] = r.makeCallback(env.Sender, id)
			continue
		}
		out[i] = a
	}
	return out
}

func (r *Registry) makeCallback(sender, tag string) func(args ...interface{}) {
	return func(args ...interface{}) {
		cb := envelope.New("", "", sender, tag)
		for i, a := range args {
			cb.SetArg(i+1, a)
		}
		r.emit(cb)
	}
}

func (r *Registry) finishInvoke(env *envelope.Envelope, result hostclass.Value, err error) {
	if err != nil {
		env.SetError("%s", err.Error())
		return
	}
	if deferred, ok := result.(hostclass.Deferred); ok {
		r.mu.Lock()
		r.promiseSeq++
		tag := envelope.PromiseTag(r.promiseSeq)
		r.mu.Unlock()
		env.SetResult(tag)
		sender, id := env.Sender, tag
		deferred.Then(
			func(v hostclass.Value) {
				cb := envelope.New("", "", sender, id)
				cb.SetArg(1, v)
				r.emit(cb)
			},
			func(rejErr error) {
				cb := envelope.New("", "", sender, id)
				cb.SetError("%s", rejErr.Error())
				r.emit(cb)
			},
		)
		return
	}
	env.SetResult(result)
}

// sanitizeResult ensures a result that cannot round-trip through JSON never
// blocks the reply: it is replaced with the not-serializable sentinel.
func (r *Registry) sanitizeResult(env *envelope.Envelope) {
	if !env.HasResult() {
		return
	}
	if _, err := json.Marshal(env.Result()); err != nil {
		env.SetResult(envelope.NotSerializable)
	}
}

func findMethod(methods []hostclass.Method, name string) (hostclass.Method, bool) {
	for _, m := range methods {
		if m.Name == name {
			return m, true
		}
	}
	return hostclass.Method{}, false
}
