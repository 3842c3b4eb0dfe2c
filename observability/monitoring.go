package observability

import "sync/atomic"

// Stats is a point-in-time snapshot of relay activity, serialized as-is by
// the stats endpoint.
type Stats struct {
	PayloadsRelayed uint64 `json:"payloads_relayed"`
	LiveDeliveries  uint64 `json:"live_deliveries"`
	PendingEnqueued uint64 `json:"pending_enqueued"`
	PendingDropped  uint64 `json:"pending_dropped"`
	PendingFlushed  uint64 `json:"pending_flushed"`
	ForcedCloses    uint64 `json:"forced_closes"`
}

// Monitor aggregates relay counters. All counters are atomic so the hot
// fan-out path never takes a lock for telemetry.
type Monitor struct {
	payloadsRelayed atomic.Uint64
	liveDeliveries  atomic.Uint64
	pendingEnqueued atomic.Uint64
	pendingDropped  atomic.Uint64
	pendingFlushed  atomic.Uint64
	forcedCloses    atomic.Uint64
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) PayloadRelayed() { m.payloadsRelayed.Add(1) }

func (m *Monitor) LiveDeliveries(n uint64) { m.liveDeliveries.Add(n) }

func (m *Monitor) PendingEnqueued() { m.pendingEnqueued.Add(1) }

func (m *Monitor) PendingDropped() { m.pendingDropped.Add(1) }

func (m *Monitor) PendingFlushed(n uint64) { m.pendingFlushed.Add(n) }

func (m *Monitor) ForcedClose() { m.forcedCloses.Add(1) }

func (m *Monitor) Snapshot() Stats {
	return Stats{
		PayloadsRelayed: m.payloadsRelayed.Load(),
		LiveDeliveries:  m.liveDeliveries.Load(),
		PendingEnqueued: m.pendingEnqueued.Load(),
		PendingDropped:  m.pendingDropped.Load(),
		PendingFlushed:  m.pendingFlushed.Load(),
		ForcedCloses:    m.forcedCloses.Load(),
	}
}
