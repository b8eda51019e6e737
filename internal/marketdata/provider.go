package marketdata

import (
	"context"
)

// Provider supplies ordered bar history and per-tick snapshots. Implementations
// wrap a real vendor API; the engine only ever sees this interface.
type Provider interface {
	// FetchBars returns up to lookback bars in ascending time order.
	FetchBars(ctx context.Context, instrument string, gran Granularity, lookback int) ([]Bar, error)
	// FetchSnapshot returns the current snapshot for an instrument.
	FetchSnapshot(ctx context.Context, instrument string) (*Snapshot, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// FlowProvider is the optional extension for vendors that publish
// institutional/foreign net-flow and relative-strength baselines. Absence
// degrades the flow-sensitive layers to neutral rather than blocking.
type FlowProvider interface {
	FetchNetFlow(ctx context.Context, instrument string) (float64, error)
	FetchVolumeBaseline(ctx context.Context, instrument string) (float64, error)
}
