package storefront

import "strings"

// NormalizeImageURL resolves a backend image path against the storage base
// URL. Absolute URLs pass through unchanged and an empty path stays empty.
func NormalizeImageURL(storageBase, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}

	lower := strings.ToLower(path)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "//") || strings.HasPrefix(lower, "data:") {
		return path
	}

	base := strings.TrimRight(storageBase, "/")
	rel := strings.TrimLeft(path, "/")
	if strings.HasSuffix(base, "/storage") {
		rel = strings.TrimPrefix(rel, "storage/")
	}
	if base == "" {
		return "/" + rel
	}
	return base + "/" + rel
}

// ImageURL resolves path against the configured storage base URL.
func (s *Storefront) ImageURL(path string) string {
	return NormalizeImageURL(s.config.StorageBaseURL, path)
}
