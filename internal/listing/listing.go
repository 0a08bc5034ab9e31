// Package listing caps long result sets for presentation.
package listing

// Page is a capped view over a longer sequence.
type Page[T any] struct {
	Items     []T  `json:"items"`
	Total     int  `json:"total"`
	Truncated bool `json:"truncated"`
}

// Cap returns at most limit leading items of in. A non-positive limit keeps everything.
func Cap[T any](in []T, limit int) Page[T] {
	if limit <= 0 || len(in) <= limit {
		return Page[T]{Items: append([]T(nil), in...), Total: len(in)}
	}
	return Page[T]{
		Items:     append([]T(nil), in[:limit]...),
		Total:     len(in),
		Truncated: true,
	}
}

// Map converts every item of in through fn, keeping order.
func Map[T, U any](in []T, fn func(T) U) []U {
	out := make([]U, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
