// Package hostclass defines the introspection contract the registry needs
// from the object system that actually implements user classes.
//
// The registry never assumes registered classes are Go structs: it only
// requires something that satisfies Class. Describe is the reference
// adapter, built with reflect, that lets an ordinary Go struct be
// registered without hand-writing a Class implementation.
package hostclass

import (
	"fmt"
	"reflect"
)

// Value is an already type-erased argument or return value. Wire arguments
// are one of nil, bool, a numeric type, string, []Value, or
// map[string]Value; callback and promise placeholders arrive as
// func(...interface{}), constructors return the new instance, and a method
// may return a Deferred.
type Value = interface{}

// Deferred marks a method's return value as a pending computation. The
// registry replaces it with a promise placeholder immediately and forwards
// the eventual outcome through the callback sink once Then's callback runs.
type Deferred interface {
	Then(onResolve func(Value), onReject func(error))
}

// MethodDoc carries the introspection metadata a class can optionally
// provide for a method; it has no bearing on dispatch, only on the
// retained class-info document.
type MethodDoc struct {
	ParamNames  []string
	ParamTypes  []string
	ReturnType  string
	Description string
	EventSource bool
}

// Method is one callable entry in a class's member or static table.
type Method struct {
	Name        string
	Arity       int
	ParamNames  []string
	ParamTypes  []string
	ReturnType  string
	Description string
	EventSource bool
	Call        func(target Value, args []Value) (Value, error) `json:"-"`
}

// Constructor builds a new instance from positional arguments.
type Constructor struct {
	Arity      int
	ParamNames []string
	ParamTypes []string
	New        func(args []Value) (Value, error)
}

// ClassMeta is the per-class description surfaced in retained class-info.
type ClassMeta struct {
	Name        string
	Description string
}

// Class is the introspection interface the adapter/registry consumes.
// Anything satisfying it can be registered, whether or not it is backed
// by a Go struct.
type Class interface {
	Meta() ClassMeta
	Constructors() []Constructor
	Members() []Method
	Statics() []Method
}

type staticClass struct {
	meta    ClassMeta
	ctors   []Constructor
	members []Method
	statics []Method
}

func (c *staticClass) Meta() ClassMeta          { return c.meta }
func (c *staticClass) Constructors() []Constructor { return c.ctors }
func (c *staticClass) Members() []Method        { return c.members }
func (c *staticClass) Statics() []Method        { return c.statics }

// New assembles a Class from explicit tables, for callers bridging a
// non-Go object system where reflection has nothing to walk.
func New(meta ClassMeta, ctors []Constructor, members, statics []Method) Class {
	return &staticClass{meta: meta, ctors: ctors, members: members, statics: statics}
}

// Describe builds a Class for an ordinary Go struct by reflecting over its
// exported methods. ctor is the single constructor the registry will use
// for __create__/__createNamed__; sample is any value of the struct's
// pointer type (typically a zero value) used only to enumerate methods.
// docs optionally supplies per-method parameter names/types/description
// for the retained class-info document; methods without an entry still
// dispatch correctly, just with empty metadata.
func Describe(meta ClassMeta, ctor Constructor, sample Value, docs map[string]MethodDoc) Class {
	t := reflect.TypeOf(sample)
	var members []Method
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if m.PkgPath != "" {
			continue // unexported
		}
		doc := docs[m.Name]
		members = append(members, Method{
			Name:        m.Name,
			Arity:       m.Type.NumIn() - 1, // exclude receiver
			ParamNames:  doc.ParamNames,
			ParamTypes:  doc.ParamTypes,
			ReturnType:  doc.ReturnType,
			Description: doc.Description,
			EventSource: doc.EventSource,
			Call:        reflectCall(m.Name),
		})
	}
	return &staticClass{meta: meta, ctors: []Constructor{ctor}, members: members}
}

func reflectCall(name string) func(Value, []Value) (Value, error) {
	return func(target Value, args []Value) (Value, error) {
		rv := reflect.ValueOf(target)
		method := rv.MethodByName(name)
		if !method.IsValid() {
			return nil, fmt.Errorf("method %s not found on %T", name, target)
		}
		mt := method.Type()
		n := mt.NumIn()
		if n > len(args) {
			n = len(args)
		}
		in := make([]reflect.Value, n)
		for i := 0; i < n; i++ {
			in[i] = convertArg(args[i], mt.In(i))
		}
		return unpackReturn(method.Call(in))
	}
}

func convertArg(a Value, want reflect.Type) reflect.Value {
	if a == nil {
		return reflect.Zero(want)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(want) {
		return v
	}
	if v.Type().ConvertibleTo(want) {
		return v.Convert(want)
	}
	return reflect.Zero(want)
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func unpackReturn(out []reflect.Value) (Value, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type().Implements(errorType) {
			if out[0].IsNil() {
				return nil, nil
			}
			return nil, out[0].Interface().(error)
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		var err error
		if last.Type().Implements(errorType) && !last.IsNil() {
			err = last.Interface().(error)
		}
		return out[0].Interface(), err
	}
}
