package storefront

import (
	"strconv"
	"time"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/cache"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/events"
	"github.com/Sternrassler/d2k-storefront-cache/pkg/swr"
)

// Cache lifetimes per resource.
const (
	CatalogTTL  = 12 * time.Hour
	ListingTTL  = 10 * time.Minute
	UserDataTTL = 5 * time.Minute
)

// Resource names.
const (
	ResourceCategories       = "categories"
	ResourceProduct          = "product"
	ResourceProducts         = "products"
	ResourceVendorHeader     = "vendor_header"
	ResourceVendorProducts   = "vendor_products"
	ResourceCartItems        = "cart_items"
	ResourceOrders           = "orders"
	ResourceConversations    = "conversations"
	ResourceUnreadCount      = "unread_count"
	ResourceVendorOrderCount = "vendor_order_count"
)

// userResources are scoped to a user and dropped when the session ends.
var userResources = []string{
	ResourceCartItems,
	ResourceOrders,
	ResourceConversations,
	ResourceUnreadCount,
	ResourceVendorOrderCount,
}

// IsUserResource reports whether name is scoped to a user.
func IsUserResource(name string) bool {
	for _, r := range userResources {
		if r == name {
			return true
		}
	}
	return false
}

// IsResource reports whether name is a known resource.
func IsResource(name string) bool {
	switch name {
	case ResourceCategories, ResourceProduct, ResourceProducts,
		ResourceVendorHeader, ResourceVendorProducts:
		return true
	}
	return IsUserResource(name)
}

func (s *Storefront) categoriesResource() swr.Resource {
	return swr.Resource{
		Key:                 cache.Key{Resource: ResourceCategories},
		TTL:                 CatalogTTL,
		Event:               events.CacheRefreshed,
		RevalidateWhenFresh: s.config.RevalidateWhenFresh,
	}
}

func productResource(id string) swr.Resource {
	return swr.Resource{
		Key:   cache.Key{Resource: ResourceProduct, ID: id},
		TTL:   ListingTTL,
		Event: events.CacheRefreshed,
	}
}

func productsResource(page int) swr.Resource {
	key := cache.Key{Resource: ResourceProducts}
	if page > 1 {
		key.ID = strconv.Itoa(page)
	}
	return swr.Resource{Key: key, TTL: ListingTTL, Event: events.CacheRefreshed}
}

func allProductsResource() swr.Resource {
	return swr.Resource{
		Key:   cache.Key{Resource: ResourceProducts, ID: "all"},
		TTL:   ListingTTL,
		Event: events.CacheRefreshed,
	}
}

func (s *Storefront) vendorHeaderResource(id string) swr.Resource {
	return swr.Resource{
		Key:                 cache.Key{Resource: ResourceVendorHeader, ID: id},
		TTL:                 CatalogTTL,
		Event:               events.CacheRefreshed,
		RevalidateWhenFresh: s.config.RevalidateWhenFresh,
	}
}

func vendorProductsResource(id string) swr.Resource {
	return swr.Resource{
		Key:   cache.Key{Resource: ResourceVendorProducts, ID: id},
		TTL:   ListingTTL,
		Event: events.CacheRefreshed,
	}
}

func userResource(name, userID, event string) swr.Resource {
	return swr.Resource{
		Key:   cache.Key{Resource: name}.Scoped(userID),
		TTL:   UserDataTTL,
		Event: event,
	}
}

// CacheKey builds the key for resource name, id and the signed-in user.
func CacheKey(name, id, userID string) cache.Key {
	key := cache.Key{Resource: name, ID: id}
	if IsUserResource(name) {
		key = key.Scoped(userID)
	}
	return key
}

// eventFor returns the event announcing a change to resource name.
func eventFor(name string) string {
	switch name {
	case ResourceCartItems:
		return events.CartUpdated
	case ResourceConversations, ResourceUnreadCount:
		return events.MessagesUpdated
	default:
		return events.CacheRefreshed
	}
}
