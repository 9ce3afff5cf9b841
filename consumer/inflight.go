// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import "sync"

type inflightEntry struct {
	tenant  string
	channel Channel
	tag     uint64
}

// inflight tracks deliveries forwarded to the parent and not yet acknowledged.
type inflight struct {
	mu      sync.Mutex
	entries map[string]inflightEntry
}

func newInflight() *inflight {
	return &inflight{entries: make(map[string]inflightEntry)}
}

func (f *inflight) add(id string, e inflightEntry) {
	f.mu.Lock()
	f.entries[id] = e
	f.mu.Unlock()
}

func (f *inflight) take(id string) (inflightEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[id]
	if ok {
		delete(f.entries, id)
	}
	return e, ok
}

// dropExcept forgets every delivery not received on ch. Such deliveries can no
// longer be acknowledged; the broker redelivers them.
func (f *inflight) dropExcept(ch Channel) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := 0
	for id, e := range f.entries {
		if ch == nil || e.channel != ch {
			delete(f.entries, id)
			dropped++
		}
	}
	return dropped
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
