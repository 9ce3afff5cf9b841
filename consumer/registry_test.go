// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := newRegistry()

	require.True(t, r.add(Registration{Tenant: "beta", Queue: "q.beta", ConsumerTag: "t1"}))
	require.True(t, r.add(Registration{Tenant: "acme", Queue: "q.acme", ConsumerTag: "t2"}))
	assert.False(t, r.add(Registration{Tenant: "acme", Queue: "other", ConsumerTag: "t3"}))

	reg, ok := r.get("acme")
	require.True(t, ok)
	assert.Equal(t, "t2", reg.ConsumerTag)
	assert.Equal(t, []string{"acme", "beta"}, r.tenants())
	assert.Equal(t, 2, r.len())

	assert.True(t, r.remove("acme"))
	assert.False(t, r.remove("acme"))
	assert.False(t, r.has("acme"))

	r.clear()
	assert.Equal(t, 0, r.len())
	assert.Empty(t, r.tenants())
}

func TestInflight(t *testing.T) {
	f := newInflight()
	a, b := &fakeChannel{}, &fakeChannel{}

	f.add("1", inflightEntry{tenant: "acme", channel: a, tag: 1})
	f.add("2", inflightEntry{tenant: "acme", channel: b, tag: 2})
	f.add("3", inflightEntry{tenant: "beta", channel: b, tag: 3})

	e, ok := f.take("1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.tag)
	_, ok = f.take("1")
	assert.False(t, ok)

	f.add("4", inflightEntry{tenant: "beta", channel: a, tag: 4})
	assert.Equal(t, 1, f.dropExcept(b))
	assert.Equal(t, 2, f.len())

	assert.Equal(t, 2, f.dropExcept(nil))
	assert.Equal(t, 0, f.len())
}
