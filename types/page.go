/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package types

import (
	"github.com/tomoncle/datamapper/errs"
)

// PageRequest describes a zero-based page, its size and the sort keys.
// It is a value type; callers pass a fresh one on every invocation.
type PageRequest struct {
	page int
	size int
	sort Sort
}

// NewPageRequest constructs a PageRequest. Validation happens at call time.
func NewPageRequest(page int, size int, orders ...Order) PageRequest {
	return PageRequest{page: page, size: size, sort: By(orders...)}
}

// NewSortedPageRequest constructs a PageRequest from an existing Sort.
func NewSortedPageRequest(page int, size int, sort Sort) PageRequest {
	return PageRequest{page: page, size: size, sort: sort}
}

func (p PageRequest) Page() int { return p.page }

func (p PageRequest) Size() int { return p.size }

func (p PageRequest) Sort() Sort { return p.sort }

// Offset returns page * size.
func (p PageRequest) Offset() int {
	return p.page * p.size
}

func (p PageRequest) Next() PageRequest {
	return PageRequest{page: p.page + 1, size: p.size, sort: p.sort}
}

func (p PageRequest) Previous() PageRequest {
	if p.page == 0 {
		return p
	}
	return PageRequest{page: p.page - 1, size: p.size, sort: p.sort}
}

// Validate rejects a negative page index or a non-positive size.
func (p PageRequest) Validate() error {
	if p.page < 0 {
		return errs.NewInvalidPageRequestError(p.page, p.size, "page index must not be negative")
	}
	if p.size <= 0 {
		return errs.NewInvalidPageRequestError(p.page, p.size, "page size must be greater than zero")
	}
	return nil
}

// Slice is a page of content that only knows whether a next page exists.
type Slice[T any] struct {
	Items    []T
	Page     int
	PageSize int
	Sort     Sort
	hasNext  bool
}

// NewSlice builds a slice envelope for the given request.
func NewSlice[T any](items []T, req PageRequest, hasNext bool) *Slice[T] {
	if items == nil {
		items = make([]T, 0)
	}
	return &Slice[T]{Items: items, Page: req.Page(), PageSize: req.Size(), Sort: req.Sort(), hasNext: hasNext}
}

func (s *Slice[T]) HasNext() bool { return s.hasNext }

func (s *Slice[T]) HasPrevious() bool { return s.Page > 0 }

func (s *Slice[T]) IsFirst() bool { return s.Page == 0 }

func (s *Slice[T]) IsLast() bool { return !s.hasNext }

func (s *Slice[T]) NumberOfElements() int { return len(s.Items) }

func (s *Slice[T]) HasContent() bool { return len(s.Items) > 0 }

// Pageable returns the request for this slice.
func (s *Slice[T]) Pageable() PageRequest {
	return NewSortedPageRequest(s.Page, s.PageSize, s.Sort)
}

// Page is a Slice that also carries the total element count.
type Page[T any] struct {
	Slice[T]
	Total int64
}

// NewPage builds a page envelope; hasNext is derived from offset, content
// length and total.
func NewPage[T any](items []T, req PageRequest, total int64) *Page[T] {
	hasNext := int64(req.Offset()+len(items)) < total
	return &Page[T]{Slice: *NewSlice(items, req, hasNext), Total: total}
}

// TotalPages returns ceil(Total / PageSize).
func (p *Page[T]) TotalPages() int {
	if p.PageSize <= 0 {
		return 1
	}
	return int((p.Total + int64(p.PageSize) - 1) / int64(p.PageSize))
}

// MapPage converts the content of a page keeping its metadata.
func MapPage[T any, R any](p *Page[T], fn func(T) R) *Page[R] {
	items := make([]R, len(p.Items))
	for i, item := range p.Items {
		items[i] = fn(item)
	}
	return &Page[R]{
		Slice: Slice[R]{Items: items, Page: p.Page, PageSize: p.PageSize, Sort: p.Sort, hasNext: p.hasNext},
		Total: p.Total,
	}
}

// Optional holds zero or one value.
type Optional[T any] struct {
	value   T
	present bool
}

func Some[T any](value T) Optional[T] {
	return Optional[T]{value: value, present: true}
}

func None[T any]() Optional[T] {
	return Optional[T]{}
}

func (o Optional[T]) Get() (T, bool) { return o.value, o.present }

func (o Optional[T]) IsPresent() bool { return o.present }

func (o Optional[T]) OrElse(other T) T {
	if o.present {
		return o.value
	}
	return other
}
