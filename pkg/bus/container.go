package bus

import (
	"context"
	"reflect"
)

// Releaser is implemented by scoped resources that must be released when the
// handler invocation that acquired them exits. Release runs on every exit
// path, including errors and cancellation.
type Releaser interface {
	Release(ctx context.Context) error
}

// Factory builds one dependency value per resolution. Values implementing
// Releaser are tracked by the resolving scope and released on close.
type Factory func(ctx context.Context) (any, error)

type registration struct {
	instance  any
	factory   Factory
	singleton bool
}

// Container holds dependency registrations keyed by interface type. It is
// populated at service-wire time and read-only afterwards; registration is
// not safe for concurrent use.
type Container struct {
	registrations map[reflect.Type]*registration
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{registrations: make(map[reflect.Type]*registration)}
}

// RegisterInstance binds a ready value to the interface type T. The value is
// shared by every resolution (singleton scope).
func RegisterInstance[T any](c *Container, value T) {
	c.registrations[typeOf[T]()] = &registration{instance: value, singleton: true}
}

// RegisterFactory binds a per-resolution factory to the interface type T
// (transient scope). Values implementing Releaser become scoped resources.
func RegisterFactory[T any](c *Container, factory func(ctx context.Context) (T, error)) {
	c.registrations[typeOf[T]()] = &registration{
		factory: func(ctx context.Context) (any, error) { return factory(ctx) },
	}
}

func (c *Container) lookup(t reflect.Type) (*registration, bool) {
	reg, ok := c.registrations[t]
	return reg, ok
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
