// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package uart

import (
	"sync"

	"github.com/ffutop/boardlink/internal/failure"
)

// Registry records which component owns each UART.
type Registry struct {
	mu     sync.Mutex
	owners map[string]string
}

// DefaultRegistry is the process-wide UART registry.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]string)}
}

// Claim takes ownership of uart for owner. It fails with a setup error when
// the UART is already owned.
func (r *Registry) Claim(uart, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.owners[uart]; ok {
		return failure.Newf(failure.Setup, "claim "+uart, failure.CodeUARTInUse, "already in use by %q", cur)
	}
	r.owners[uart] = owner
	return nil
}

// Release gives up ownership of uart.
func (r *Registry) Release(uart string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, uart)
}

// Owner returns the current owner of uart.
func (r *Registry) Owner(uart string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[uart]
	return owner, ok
}
