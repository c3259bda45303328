package metrics

import (
	metric "github.com/luxfi/metric"
)

// EngineCounters are the settlement counters shared with the lux metric
// stack, alongside the prometheus series
type EngineCounters struct {
	BlocksProduced  metric.Counter
	PositionsOpened metric.Counter
	Settlements     metric.Counter
	Liquidations    metric.Counter
}

// NewEngineCounters creates the counters under namespace
func NewEngineCounters(namespace string) *EngineCounters {
	return &EngineCounters{
		BlocksProduced:  metric.NewCounter(namespace + "_blocks_produced"),
		PositionsOpened: metric.NewCounter(namespace + "_positions_opened"),
		Settlements:     metric.NewCounter(namespace + "_settlements"),
		Liquidations:    metric.NewCounter(namespace + "_liquidations"),
	}
}
