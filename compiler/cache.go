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

package compiler

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
)

// Key identifies a method declaration on an entity.
func Key(entity *metadata.EntityDescriptor, m query.Method) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(entity.Name())
	_, _ = d.WriteString("#")
	_, _ = d.WriteString(m.Canonical())
	return d.Sum64()
}

// Cache holds compiled plans by declaration key. Plans are immutable, so
// they are shared as is.
type Cache struct {
	mu     sync.RWMutex
	plans  map[uint64]*query.Plan
	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache() *Cache {
	return &Cache{plans: make(map[uint64]*query.Plan)}
}

func (c *Cache) Get(key uint64) (*query.Plan, bool) {
	c.mu.RLock()
	plan, ok := c.plans[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return plan, ok
}

// Put stores plan unless another goroutine stored one first, and returns
// the plan kept in the cache.
func (c *Cache) Put(key uint64, plan *query.Plan) *query.Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.plans[key]; ok {
		return existing
	}
	c.plans[key] = plan
	return plan
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plans)
}

// Stats returns the hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
