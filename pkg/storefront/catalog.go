package storefront

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/pagination"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/swr"
)

// Categories returns the category tree.
func (s *Storefront) Categories(ctx context.Context) (swr.Result, error) {
	return s.load(ctx, s.categoriesResource(), s.getData("/categories", nil))
}

// Product returns one product.
func (s *Storefront) Product(ctx context.Context, id string) (swr.Result, error) {
	if id == "" {
		return swr.Result{}, fmt.Errorf("product id is required")
	}
	return s.load(ctx, productResource(id), s.getData("/products/"+url.PathEscape(id), nil))
}

// Products returns one page of the product listing.
func (s *Storefront) Products(ctx context.Context, page int) (swr.Result, error) {
	if page < 1 {
		page = 1
	}
	query := url.Values{"page": {strconv.Itoa(page)}}
	return s.load(ctx, productsResource(page), s.getData("/products", query))
}

// AllProducts returns every listing page merged into one array.
func (s *Storefront) AllProducts(ctx context.Context) (swr.Result, error) {
	return s.load(ctx, allProductsResource(), s.fetchAll("/products"))
}

// VendorHeader returns a vendor's storefront header (name, banner, rating).
func (s *Storefront) VendorHeader(ctx context.Context, vendorID string) (swr.Result, error) {
	if vendorID == "" {
		return swr.Result{}, fmt.Errorf("vendor id is required")
	}
	return s.load(ctx, s.vendorHeaderResource(vendorID), s.getData("/vendors/"+url.PathEscape(vendorID), nil))
}

// VendorProducts returns every product of a vendor.
func (s *Storefront) VendorProducts(ctx context.Context, vendorID string) (swr.Result, error) {
	if vendorID == "" {
		return swr.Result{}, fmt.Errorf("vendor id is required")
	}
	path := "/vendors/" + url.PathEscape(vendorID) + "/products"
	return s.load(ctx, vendorProductsResource(vendorID), s.fetchAll(path))
}

// fetchAll walks every page of path. Partial results are an error so a
// truncated listing never replaces a complete cached one.
func (s *Storefront) fetchAll(path string) swr.Fetcher {
	return func(ctx context.Context) (any, error) {
		pages, err := s.pages.FetchAllPages(ctx, path)
		if err != nil {
			return nil, err
		}
		return pagination.Merge(pages)
	}
}
