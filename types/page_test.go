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
	"testing"

	"github.com/tomoncle/datamapper/errs"
)

func TestPageRequestOffset(t *testing.T) {
	req := NewPageRequest(2, 3, Desc("Username"))
	if req.Offset() != 6 {
		t.Fatalf("offset = %d, want 6", req.Offset())
	}
	if req.Next().Page() != 3 || req.Previous().Page() != 1 {
		t.Fatalf("next/previous wrong: %d/%d", req.Next().Page(), req.Previous().Page())
	}
	if got := req.Sort().String(); got != "Username DESC" {
		t.Fatalf("sort = %q", got)
	}
}

func TestPageRequestValidate(t *testing.T) {
	tests := []struct {
		page, size int
		valid      bool
	}{
		{0, 3, true},
		{4, 1, true},
		{-1, 3, false},
		{0, 0, false},
		{0, -5, false},
	}
	for _, tt := range tests {
		err := NewPageRequest(tt.page, tt.size).Validate()
		if tt.valid && err != nil {
			t.Errorf("page=%d size=%d: unexpected error %v", tt.page, tt.size, err)
		}
		if !tt.valid && !errs.IsInvalidPageRequest(err) {
			t.Errorf("page=%d size=%d: expected InvalidPageRequestError, got %v", tt.page, tt.size, err)
		}
	}
}

func TestNewPageMetadata(t *testing.T) {
	first := NewPage([]string{"m5", "m4", "m3"}, NewPageRequest(0, 3), 5)
	if first.TotalPages() != 2 || !first.IsFirst() || !first.HasNext() || first.IsLast() {
		t.Fatalf("unexpected first page metadata: %+v totalPages=%d", first, first.TotalPages())
	}

	second := NewPage([]string{"m2", "m1"}, NewPageRequest(1, 3), 5)
	if second.NumberOfElements() != 2 || second.HasNext() || !second.IsLast() || !second.HasPrevious() {
		t.Fatalf("unexpected second page metadata: %+v", second)
	}

	empty := NewPage[string](nil, NewPageRequest(0, 10), 0)
	if empty.TotalPages() != 0 || empty.HasContent() || empty.Items == nil {
		t.Fatalf("unexpected empty page: %+v", empty)
	}
}

func TestMapPage(t *testing.T) {
	p := NewPage([]int{1, 2, 3}, NewPageRequest(0, 3), 7)
	mapped := MapPage(p, func(i int) string { return string(rune('a' + i - 1)) })
	if mapped.Total != 7 || !mapped.HasNext() || mapped.Items[2] != "c" {
		t.Fatalf("unexpected mapped page: %+v", mapped)
	}
}

func TestOptional(t *testing.T) {
	if v, ok := None[string]().Get(); ok || v != "" {
		t.Fatal("empty optional reported a value")
	}
	if Some("AAA").OrElse("BBB") != "AAA" || None[string]().OrElse("BBB") != "BBB" {
		t.Fatal("OrElse mismatch")
	}
}

func TestDirectionEnum(t *testing.T) {
	d, ok := EnumByName([]Direction{Ascending, Descending}, "desc")
	if !ok || d != Descending {
		t.Fatalf("EnumByName = %v, %v", d, ok)
	}
	if Direction(9).IsValid() || Direction(9).Number() != IllegalValue {
		t.Fatal("out of range direction reported valid")
	}
	if _, ok := ParseDirection("sideways"); ok {
		t.Fatal("ParseDirection accepted garbage")
	}
}

func TestSortAnd(t *testing.T) {
	s := By(Asc("Age")).And(By(Desc("Username")))
	if len(s) != 2 || s[1].Direction != Descending {
		t.Fatalf("unexpected sort %v", s)
	}
	if By().IsSorted() {
		t.Fatal("empty sort reported sorted")
	}
}
