// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package module defines the closed capability set shared by everything the
// control loop drives, and the registry resolving modules by name.
package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Module is a named unit driven by the control loop.
type Module interface {
	Name() string
	// Step performs one bounded slice of work. It must not block for long.
	Step(ctx context.Context)
	// Call executes a method with typed arguments.
	Call(ctx context.Context, method string, args []Value) error
}

// Outputter is implemented by modules reporting their properties.
type Outputter interface {
	Output() string
}

// Closer is implemented by modules holding resources.
type Closer interface {
	Close() error
}

// MessageHandler receives inter-module messages relayed by a peer. keepAlive
// tells whether the message counts as a sign of life for the watchdog.
type MessageHandler func(source, msg string, keepAlive bool)

// Command addresses one method call.
type Command struct {
	Module string  `json:"module"`
	Method string  `json:"method"`
	Args   []Value `json:"args,omitempty"`
}

func (c Command) String() string {
	return FormatCall(c.Module+"."+c.Method, c.Args)
}

// ErrUnknownModule is returned for a command naming no registered module.
var ErrUnknownModule = errors.New("unknown module")

// UnknownMethod returns the error for a method a module does not implement.
func UnknownMethod(module, method string) error {
	return fmt.Errorf("%s: unknown method %q", module, method)
}

// Expect checks the number and types of args.
func Expect(args []Value, types ...Type) error {
	if len(args) != len(types) {
		return fmt.Errorf("expected %d arguments, got %d", len(types), len(args))
	}
	for i, t := range types {
		if args[i].Type() != t {
			return fmt.Errorf("type mismatch at argument %d: expected %s, got %s", i+1, t, args[i].Type())
		}
	}
	return nil
}

// Registry resolves modules by name and steps them in registration order.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	order   []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds m. Names are unique.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, ok := r.modules[name]; ok {
		return fmt.Errorf("module %q already registered", name)
	}
	r.modules[name] = m
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the module called name.
func (r *Registry) Lookup(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	return m, nil
}

// Names returns the registered module names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Step steps every module once.
func (r *Registry) Step(ctx context.Context) {
	for _, name := range r.Names() {
		m, err := r.Lookup(name)
		if err != nil {
			continue
		}
		m.Step(ctx)
	}
}

// Execute runs cmd. An empty method returns the module output.
func (r *Registry) Execute(ctx context.Context, cmd Command) (string, error) {
	m, err := r.Lookup(cmd.Module)
	if err != nil {
		return "", err
	}
	if cmd.Method == "" {
		if o, ok := m.(Outputter); ok {
			return o.Output(), nil
		}
		return "", nil
	}
	return "", m.Call(ctx, cmd.Method, cmd.Args)
}

// Close closes every module holding resources, in reverse order.
func (r *Registry) Close() {
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		m, err := r.Lookup(names[i])
		if err != nil {
			continue
		}
		if c, ok := m.(Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("Failed to close module", "module", names[i], "err", err)
			}
		}
	}
}
