// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

// Metrics receives manager measurements. Implementations must be safe for concurrent use.
type Metrics interface {
	RecordTenants(count int)
	RecordTenantFailure(op string)
	RecordRetry(kind string)
	RecordDelivery(tenant string)
	RecordAck()
}

type noopMetrics struct{}

func (noopMetrics) RecordTenants(int)          {}
func (noopMetrics) RecordTenantFailure(string) {}
func (noopMetrics) RecordRetry(string)         {}
func (noopMetrics) RecordDelivery(string)      {}
func (noopMetrics) RecordAck()                 {}
