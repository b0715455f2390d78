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

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the coordinator's prometheus collectors.
type Metrics struct {
	// Executions counts plan executions by entity, kind and status.
	Executions *prometheus.CounterVec
	// CountQueries counts the count queries issued for Page results.
	CountQueries *prometheus.CounterVec
	// LockTimeouts counts pessimistic locks not acquired in time.
	LockTimeouts *prometheus.CounterVec
	// Duration is the latency of plan executions.
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datamapper_executions_total",
				Help: "Total number of executed query plans",
			},
			[]string{"entity", "kind", "status"},
		),
		CountQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datamapper_count_queries_total",
				Help: "Total number of count queries issued for page results",
			},
			[]string{"entity"},
		),
		LockTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datamapper_lock_timeouts_total",
				Help: "Total number of pessimistic locks not acquired in time",
			},
			[]string{"entity"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datamapper_execution_duration_seconds",
				Help:    "Query plan execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"entity", "kind"},
		),
	}
}
