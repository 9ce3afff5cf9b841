// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"sort"
	"sync"
)

// Registration is an active subscription for a tenant.
type Registration struct {
	Tenant      string
	Queue       string
	ConsumerTag string
}

// registry maps tenant ids to their registration. The Manager is its only writer;
// the lock exists for status readers.
type registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]Registration)}
}

// add records reg unless the tenant is already present.
func (r *registry) add(reg Registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[reg.Tenant]; ok {
		return false
	}
	r.entries[reg.Tenant] = reg
	return true
}

func (r *registry) get(tenant string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[tenant]
	return reg, ok
}

func (r *registry) remove(tenant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[tenant]; !ok {
		return false
	}
	delete(r.entries, tenant)
	return true
}

func (r *registry) has(tenant string) bool {
	_, ok := r.get(tenant)
	return ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// tenants returns a sorted snapshot of registered tenant ids.
func (r *registry) tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for tenant := range r.entries {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Registration)
}
