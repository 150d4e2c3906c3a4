package availability

import (
	"context"
	"errors"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
	tw "github.com/hackgods/crm-meeting-scheduler/internal/timewindow"
)

var (
	ErrProviderUnavailable = errors.New("busy time provider unavailable")
	ErrProviderAuthExpired = errors.New("busy time provider authorization expired")
)

// BusyTimeProvider reports the busy intervals of an external calendar account.
// Implementations skip cancelled, declined, transparent and all-day events.
type BusyTimeProvider interface {
	GetBusyIntervals(ctx context.Context, tc tenant.Context, accountRef string, rng tw.Window) ([]tw.Window, error)
}

// BusyTimeProviderFunc adapts a function to BusyTimeProvider.
type BusyTimeProviderFunc func(ctx context.Context, tc tenant.Context, accountRef string, rng tw.Window) ([]tw.Window, error)

func (f BusyTimeProviderFunc) GetBusyIntervals(ctx context.Context, tc tenant.Context, accountRef string, rng tw.Window) ([]tw.Window, error) {
	return f(ctx, tc, accountRef, rng)
}
