package storefront

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/client"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/swr"
)

// CartItemRequest adds a product to the cart.
type CartItemRequest struct {
	ProductID int    `json:"product_id" validate:"required,gt=0"`
	Quantity  int    `json:"quantity" validate:"required,gte=1,lte=999"`
	Variant   string `json:"variant,omitempty" validate:"omitempty,max=64"`
}

// CartUpdateRequest changes a cart line's quantity.
type CartUpdateRequest struct {
	Quantity int `json:"quantity" validate:"required,gte=1,lte=999"`
}

func cartResource(userID string) swr.Resource {
	return userResource(ResourceCartItems, userID, events.CartUpdated)
}

// Cart returns the signed-in user's cart.
func (s *Storefront) Cart(ctx context.Context) (swr.Result, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return swr.Result{}, err
	}
	return s.load(ctx, cartResource(sess.UserID), s.getData("/cart", nil))
}

// AddToCart adds an item and refreshes the cart.
func (s *Storefront) AddToCart(ctx context.Context, req CartItemRequest) (swr.Result, error) {
	if err := s.validate.Struct(req); err != nil {
		return swr.Result{}, validationError(err)
	}
	return s.mutateCart(ctx, func() error {
		_, err := s.api.Post(ctx, "/cart/items", req)
		return err
	})
}

// UpdateCartItem sets a cart line's quantity and refreshes the cart.
func (s *Storefront) UpdateCartItem(ctx context.Context, itemID int, req CartUpdateRequest) (swr.Result, error) {
	if itemID <= 0 {
		return swr.Result{}, fmt.Errorf("invalid cart item id %d", itemID)
	}
	if err := s.validate.Struct(req); err != nil {
		return swr.Result{}, validationError(err)
	}
	return s.mutateCart(ctx, func() error {
		_, err := s.api.Put(ctx, "/cart/items/"+strconv.Itoa(itemID), req)
		return err
	})
}

// RemoveCartItem removes a cart line and refreshes the cart.
func (s *Storefront) RemoveCartItem(ctx context.Context, itemID int) (swr.Result, error) {
	if itemID <= 0 {
		return swr.Result{}, fmt.Errorf("invalid cart item id %d", itemID)
	}
	return s.mutateCart(ctx, func() error {
		_, err := s.api.Delete(ctx, "/cart/items/"+strconv.Itoa(itemID))
		return err
	})
}

// ClearCart empties the cart and drops the cached record.
func (s *Storefront) ClearCart(ctx context.Context) error {
	sess, err := requireSession(ctx)
	if err != nil {
		return err
	}
	if _, err := s.api.Delete(ctx, "/cart"); err != nil {
		s.checkAuth(ctx, err)
		return err
	}
	s.invalidated(ctx, cartResource(sess.UserID).Key, events.CartUpdated)
	return nil
}

// mutateCart runs mutate, then refreshes the cart record, which publishes
// cart-updated. When the refresh fails the record is dropped instead, so
// the next read fetches.
func (s *Storefront) mutateCart(ctx context.Context, mutate func() error) (swr.Result, error) {
	sess, err := requireSession(ctx)
	if err != nil {
		return swr.Result{}, err
	}
	if err := mutate(); err != nil {
		s.checkAuth(ctx, err)
		return swr.Result{}, err
	}

	res := cartResource(sess.UserID)
	rec, err := s.swr.Refresh(ctx, res, s.getData("/cart", nil))
	if err != nil {
		s.logger.Warn().Err(err).Str("user", sess.UserID).Msg("Cart refresh after mutation failed")
		s.checkAuth(ctx, err)
		if client.IsUnauthorized(err) {
			return swr.Result{}, err
		}
		s.invalidated(ctx, res.Key, events.CartUpdated)
		return swr.Result{Err: err}, nil
	}
	return swr.Result{Record: rec, Source: swr.SourceNetwork}, nil
}
