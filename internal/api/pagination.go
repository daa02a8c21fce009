package api

import (
	"context"
	"encoding/json"
	"iter"

	log "github.com/sirupsen/logrus"
)

// DefaultMaxEmptyPages is how many consecutive empty pages that still carry a
// cursor are tolerated before a listing counts as exhausted.
const DefaultMaxEmptyPages = 3

// Cursor is the platform's opaque continuation token. The zero Cursor asks for
// the first page.
type Cursor struct {
	raw json.RawMessage
}

// IsZero reports whether c is the first-page cursor.
func (c Cursor) IsZero() bool {
	return len(c.raw) == 0
}

// MarshalJSON writes the token back exactly as the platform sent it.
func (c Cursor) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("null"), nil
	}
	return c.raw, nil
}

// UnmarshalJSON keeps the raw token; null means "no further pages".
func (c *Cursor) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		c.raw = nil
		return nil
	}
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

// CursorPage is one page of a cursor-paginated listing.
type CursorPage[T any] struct {
	Items      []T    `json:"items"`
	NextCursor Cursor `json:"nextCursor"`
}

// CursorFetch requests the page that starts at cursor.
type CursorFetch[T any] func(ctx context.Context, cursor Cursor) (CursorPage[T], error)

// NumberedFetch requests page number page (1-based).
type NumberedFetch[T any] func(ctx context.Context, page int) ([]T, error)

// IterOptions bounds an iteration.
type IterOptions struct {
	MaxPages      int // 0 means unbounded
	MaxEmptyPages int // 0 means DefaultMaxEmptyPages
}

// Iterator is a pull-based walk over a paginated listing. Pages are only
// requested when the caller asks for an item past the current page.
//
//	for it.Next(ctx) {
//		use(it.Item())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator[T any] struct {
	item     T
	err      error
	fetch    func(ctx context.Context) (items []T, more bool, err error)
	buf      []T
	pages    int
	maxPages int
	done     bool
}

// NewCursorIterator walks a listing that returns a nextCursor with every
// page. It stops when the cursor is absent, or after MaxEmptyPages
// consecutive empty pages.
func NewCursorIterator[T any](fetch CursorFetch[T], opts IterOptions) *Iterator[T] {
	maxEmpty := opts.MaxEmptyPages
	if maxEmpty <= 0 {
		maxEmpty = DefaultMaxEmptyPages
	}
	var (
		cursor  Cursor
		empties int
	)
	return &Iterator[T]{
		maxPages: opts.MaxPages,
		fetch: func(ctx context.Context) ([]T, bool, error) {
			page, err := fetch(ctx, cursor)
			if err != nil {
				return nil, false, err
			}
			if page.NextCursor.IsZero() {
				return page.Items, false, nil
			}
			if len(page.Items) == 0 {
				empties++
				if empties > maxEmpty {
					log.Debugf("[Paginate] Giving up after %d consecutive empty pages", empties)
					return nil, false, nil
				}
			} else {
				empties = 0
			}
			cursor = page.NextCursor
			return page.Items, true, nil
		},
	}
}

// NewNumberedIterator walks a page-number listing until the first empty page.
func NewNumberedIterator[T any](fetch NumberedFetch[T], opts IterOptions) *Iterator[T] {
	page := 1
	return &Iterator[T]{
		maxPages: opts.MaxPages,
		fetch: func(ctx context.Context) ([]T, bool, error) {
			items, err := fetch(ctx, page)
			if err != nil {
				return nil, false, err
			}
			if len(items) == 0 {
				return nil, false, nil
			}
			page++
			return items, true, nil
		},
	}
}

// Next advances to the next item, fetching pages as needed. It returns false
// once the listing is exhausted or a page request failed; check Err.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	for len(it.buf) == 0 {
		if it.done || it.err != nil {
			return false
		}
		if it.maxPages > 0 && it.pages >= it.maxPages {
			it.done = true
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		items, more, err := it.fetch(ctx)
		it.pages++
		if err != nil {
			it.err = err
			return false
		}
		it.buf = items
		if !more {
			it.done = true
		}
	}
	it.item = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

// Item returns the current item.
func (it *Iterator[T]) Item() T {
	return it.item
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator[T]) Err() error {
	return it.err
}

// Pages returns how many page requests were made so far.
func (it *Iterator[T]) Pages() int {
	return it.pages
}

// All adapts the iterator for range-over-func. A failure is yielded once as
// the final pair.
func (it *Iterator[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for it.Next(ctx) {
			if !yield(it.Item(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// Collect drains the iterator into a slice.
func (it *Iterator[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for it.Next(ctx) {
		out = append(out, it.Item())
	}
	return out, it.Err()
}
