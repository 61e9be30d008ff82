package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/Sternrassler/d2k-storefront-cache/pkg/client"
)

// Getter is the part of the backend client the fetcher needs.
type Getter interface {
	Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error)
}

var _ Getter = (*client.Client)(nil)

// ClientFetcher adapts the backend client to PageFetcher.
type ClientFetcher struct {
	api Getter
}

// NewClientFetcher wraps api as a PageFetcher.
func NewClientFetcher(api Getter) *ClientFetcher {
	return &ClientFetcher{api: api}
}

type page struct {
	Data     json.RawMessage `json:"data"`
	LastPage int             `json:"last_page"`
	Meta     struct {
		LastPage int `json:"last_page"`
	} `json:"meta"`
}

// FetchPage requests ?page=N and reads the last page from the envelope.
func (f *ClientFetcher) FetchPage(ctx context.Context, path string, pageNum int) ([]byte, int, error) {
	raw, err := f.api.Get(ctx, path, url.Values{"page": {strconv.Itoa(pageNum)}})
	if err != nil {
		return nil, 0, err
	}
	return ParsePage(raw)
}

// ParsePage splits a paginated envelope into its items and last page.
// A bare JSON array is a single page.
func ParsePage(raw []byte) ([]byte, int, error) {
	var p page
	if err := json.Unmarshal(raw, &p); err != nil {
		var items []json.RawMessage
		if arrErr := json.Unmarshal(raw, &items); arrErr == nil {
			return raw, 1, nil
		}
		return nil, 0, fmt.Errorf("decode page: %w", err)
	}

	lastPage := p.Meta.LastPage
	if lastPage == 0 {
		lastPage = p.LastPage
	}
	if lastPage < 1 {
		lastPage = 1
	}

	if len(p.Data) == 0 {
		return []byte("[]"), lastPage, nil
	}
	return p.Data, lastPage, nil
}

// Merge concatenates page item arrays in page order.
func Merge(pages map[int][]byte) (json.RawMessage, error) {
	nums := make([]int, 0, len(pages))
	for n := range pages {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	all := make([]json.RawMessage, 0)
	for _, n := range nums {
		var items []json.RawMessage
		if err := json.Unmarshal(pages[n], &items); err != nil {
			return nil, fmt.Errorf("page %d is not an array: %w", n, err)
		}
		all = append(all, items...)
	}

	out, err := json.Marshal(all)
	if err != nil {
		return nil, fmt.Errorf("marshal merged pages: %w", err)
	}
	return out, nil
}
