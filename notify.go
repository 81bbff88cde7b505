package treasury

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Deliverer sends one notification to its recipient (e.g. email, SMS,
// push) and reports whether delivery succeeded.
type Deliverer interface {
	Deliver(ctx context.Context, n *NotificationQueue) error
}

// DrainNotifications pulls up to batchSize pending notifications and
// delivers them concurrently, bounded by concurrency in-flight at a
// time. This is the
// thin internal consumer the core ships; a production deployment may
// run it as its own process polling on an interval.
func DrainNotifications(ctx context.Context, e *Engine, d Deliverer, batchSize, concurrency int) (int, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	delivered := 0
	_, err := e.Drain(batchSize, func(n *NotificationQueue) error {
		g.Go(func() error {
			return d.Deliver(ctx, n)
		})
		delivered++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := g.Wait(); err != nil {
		return delivered, err
	}
	return delivered, nil
}
