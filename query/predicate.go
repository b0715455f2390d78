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

package query

import (
	"fmt"

	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/types"
)

// Operator is the comparison applied by one atomic predicate.
type Operator int

const (
	Equals Operator = iota
	NotEquals
	GreaterThan
	GreaterThanEqual
	LessThan
	LessThanEqual
	In
	NotIn
	IsNull
	IsNotNull
	Like
)

var _ types.BaseEnum = Equals

var operatorNames = [...]string{
	Equals:           "Equals",
	NotEquals:        "Not",
	GreaterThan:      "GreaterThan",
	GreaterThanEqual: "GreaterThanEqual",
	LessThan:         "LessThan",
	LessThanEqual:    "LessThanEqual",
	In:               "In",
	NotIn:            "NotIn",
	IsNull:           "IsNull",
	IsNotNull:        "IsNotNull",
	Like:             "Like",
}

var operatorSymbols = [...]string{
	Equals:           "=",
	NotEquals:        "<>",
	GreaterThan:      ">",
	GreaterThanEqual: ">=",
	LessThan:         "<",
	LessThanEqual:    "<=",
	In:               "IN",
	NotIn:            "NOT IN",
	IsNull:           "IS NULL",
	IsNotNull:        "IS NOT NULL",
	Like:             "LIKE",
}

// Operators lists every operator in declaration order.
func Operators() []Operator {
	out := make([]Operator, 0, len(operatorNames))
	for i := range operatorNames {
		out = append(out, Operator(i))
	}
	return out
}

func (o Operator) IsValid() bool { return o >= Equals && o <= Like }

func (o Operator) Number() int {
	if !o.IsValid() {
		return types.IllegalValue
	}
	return int(o)
}

func (o Operator) String() string {
	if !o.IsValid() {
		return types.IllegalName
	}
	return operatorNames[o]
}

func (o Operator) Name() string { return o.String() }

func (o Operator) Desc() string {
	if !o.IsValid() {
		return types.IllegalDesc
	}
	return operatorSymbols[o]
}

// Symbol is the SQL form of the operator.
func (o Operator) Symbol() string { return o.Desc() }

// Arity is the number of call arguments the operator consumes.
func (o Operator) Arity() int {
	if o == IsNull || o == IsNotNull {
		return 0
	}
	return 1
}

// Collection reports whether the operator binds a collection argument.
func (o Operator) Collection() bool { return o == In || o == NotIn }

// Node is a predicate tree node: Comparison, And or Or.
type Node interface {
	fmt.Stringer
	predicate()
}

// Comparison applies Operator to the property at Path. Slot is the index of
// the bound slot, -1 for operators without argument.
type Comparison struct {
	Path     metadata.Path
	Operator Operator
	Slot     int
}

type And struct {
	Left, Right Node
}

type Or struct {
	Left, Right Node
}

func (Comparison) predicate() {}
func (And) predicate()        {}
func (Or) predicate()         {}

func (c Comparison) String() string {
	if c.Operator.Arity() == 0 {
		return fmt.Sprintf("%s %s", c.Path, c.Operator.Symbol())
	}
	if c.Operator.Collection() {
		return fmt.Sprintf("%s %s (?%d)", c.Path, c.Operator.Symbol(), c.Slot)
	}
	return fmt.Sprintf("%s %s ?%d", c.Path, c.Operator.Symbol(), c.Slot)
}

func (n And) String() string { return fmt.Sprintf("(%s AND %s)", n.Left, n.Right) }

func (n Or) String() string { return fmt.Sprintf("(%s OR %s)", n.Left, n.Right) }

// Comparisons returns the leaves of n from left to right.
func Comparisons(n Node) []Comparison {
	var out []Comparison
	Walk(n, func(c Comparison) { out = append(out, c) })
	return out
}

// Walk visits the comparisons of n in slot order.
func Walk(n Node, fn func(Comparison)) {
	switch v := n.(type) {
	case nil:
	case Comparison:
		fn(v)
	case And:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	case Or:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	}
}

// Conjoin folds nodes into a left-associative And chain.
func Conjoin(nodes ...Node) Node {
	return fold(nodes, func(l, r Node) Node { return And{Left: l, Right: r} })
}

// Disjoin folds nodes into a left-associative Or chain.
func Disjoin(nodes ...Node) Node {
	return fold(nodes, func(l, r Node) Node { return Or{Left: l, Right: r} })
}

func fold(nodes []Node, join func(l, r Node) Node) Node {
	var out Node
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if out == nil {
			out = n
			continue
		}
		out = join(out, n)
	}
	return out
}
