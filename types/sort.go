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
	"strings"
)

// Direction is the sort direction of one Order.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

var _ BaseEnum = Ascending

func (d Direction) IsValid() bool { return d == Ascending || d == Descending }

func (d Direction) Number() int {
	if !d.IsValid() {
		return IllegalValue
	}
	return int(d)
}

func (d Direction) String() string {
	switch d {
	case Ascending:
		return "ASC"
	case Descending:
		return "DESC"
	default:
		return IllegalName
	}
}

func (d Direction) Name() string { return d.String() }

func (d Direction) Desc() string {
	switch d {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return IllegalDesc
	}
}

// ParseDirection accepts ASC/DESC in any case.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ASC", "":
		return Ascending, true
	case "DESC":
		return Descending, true
	default:
		return Ascending, false
	}
}

// Order is a single sort key. Property is an entity property path such as
// "Username" or "Team.Name".
type Order struct {
	Property  string
	Direction Direction
}

func Asc(property string) Order {
	return Order{Property: property, Direction: Ascending}
}

func Desc(property string) Order {
	return Order{Property: property, Direction: Descending}
}

func (o Order) String() string {
	return o.Property + " " + o.Direction.String()
}

// Sort is an ordered list of sort keys.
type Sort []Order

func By(orders ...Order) Sort {
	if len(orders) == 0 {
		return nil
	}
	s := make(Sort, len(orders))
	copy(s, orders)
	return s
}

// And appends other after s without modifying either.
func (s Sort) And(other Sort) Sort {
	if len(other) == 0 {
		return s
	}
	out := make(Sort, 0, len(s)+len(other))
	out = append(out, s...)
	return append(out, other...)
}

func (s Sort) IsSorted() bool { return len(s) > 0 }

func (s Sort) String() string {
	parts := make([]string, len(s))
	for i, o := range s {
		parts[i] = o.String()
	}
	return strings.Join(parts, ", ")
}
