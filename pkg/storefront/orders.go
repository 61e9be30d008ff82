package storefront

import (
	"context"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/poller"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/swr"
)

// Orders returns the signed-in user's orders.
func (s *Storefront) Orders(ctx context.Context) (swr.Result, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return swr.Result{}, err
	}
	return s.load(ctx, userResource(ResourceOrders, sess.UserID, events.CacheRefreshed), s.getData("/orders", nil))
}

func vendorOrderCountResource(userID string) swr.Resource {
	return userResource(ResourceVendorOrderCount, userID, events.CacheRefreshed)
}

// VendorOrderCount returns the number of pending orders for the signed-in
// vendor.
func (s *Storefront) VendorOrderCount(ctx context.Context) (int, swr.Result, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return 0, swr.Result{}, err
	}
	return s.loadCount(ctx, vendorOrderCountResource(sess.UserID), "/vendor/orders/count")
}

// VendorOrderPoller polls the vendor order count every 60 seconds for the
// session in ctx. A changed count refreshes the cached record and publishes
// cache-refreshed for it.
func (s *Storefront) VendorOrderPoller(ctx context.Context) (*poller.Poller, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}

	res := vendorOrderCountResource(sess.UserID)
	return &poller.Poller{
		Name:     "vendor_order_count",
		Interval: poller.VendorOrderCountInterval,
		Task: func(ctx context.Context) (bool, error) {
			return s.pollCount(WithSession(ctx, sess), res, "/vendor/orders/count")
		},
		Immediate: true,
	}, nil
}
