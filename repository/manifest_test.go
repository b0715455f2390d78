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

package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/tomoncle/datamapper/repository"
	"github.com/tomoncle/datamapper/types"
)

const memberManifest = `
repositories:
  - entity: member
    methods:
      - name: findByTeamName
        params:
          - {name: team, type: string}
          - {kind: page}
        returns: page
        hints: {read_only: true, for_counting: true}
      - name: findByUsernameIn
        params:
          - {name: names, type: string, collection: true}
          - {kind: sort}
      - name: lockByUsername
        params: [{name: username, type: string}]
        query: SELECT * FROM members WHERE username = ?0
        returns: optional
        fetch: [{path: Team, mode: join}]
        hints: {lock: pessimistic_write, lock_timeout: 2s}
      - name: renameTeam
        params:
          - {name: from, type: string}
          - {name: to, type: string}
        query: UPDATE teams SET name = ?1 WHERE name = ?0
        modifying: true
        hints: {flush_automatically: true}
`

func TestParseManifest(t *testing.T) {
	manifests, err := repository.ParseManifest([]byte(memberManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(manifests) != 1 || manifests[0].Entity != "member" {
		t.Fatalf("manifests = %+v", manifests)
	}
	methods, err := manifests[0].Declarations()
	if err != nil {
		t.Fatalf("declarations: %v", err)
	}
	if len(methods) != 4 {
		t.Fatalf("methods = %d", len(methods))
	}

	page := methods[0]
	if page.Returns.Kind != query.ReturnPage || len(page.Params) != 2 || page.Params[1].Kind != query.ParamPage {
		t.Fatalf("page method = %+v", page)
	}
	if !page.Hints.ReadOnly || !page.Hints.ForCounting {
		t.Fatalf("page hints = %+v", page.Hints)
	}
	in := methods[1]
	if !in.Params[0].Collection || in.Params[0].Type != metadata.TypeString || in.Params[1].Kind != query.ParamSort {
		t.Fatalf("in params = %v", in.Params)
	}
	lock := methods[2]
	if lock.Hints.Lock != query.LockPessimisticWrite || lock.Hints.LockTimeout != 2*time.Second {
		t.Fatalf("lock hints = %+v", lock.Hints)
	}
	if len(lock.Fetch) != 1 || lock.Fetch[0] != query.JoinFetch("Team") || !lock.Annotated() {
		t.Fatalf("lock method = %+v", lock)
	}
	if rename := methods[3]; !rename.Modifying || !rename.Hints.FlushAutomatically {
		t.Fatalf("rename method = %+v", rename)
	}
}

func TestManifestErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"unknown return", "repositories:\n  - entity: member\n    methods:\n      - {name: findAll, returns: stream}\n"},
		{"unknown type", "repositories:\n  - entity: member\n    methods:\n      - {name: findByAge, params: [{name: age, type: money}]}\n"},
		{"unknown lock", "repositories:\n  - entity: member\n    methods:\n      - {name: findAll, hints: {lock: optimistic}}\n"},
		{"bad timeout", "repositories:\n  - entity: member\n    methods:\n      - {name: findAll, hints: {lock_timeout: soon}}\n"},
		{"unknown fetch mode", "repositories:\n  - entity: member\n    methods:\n      - {name: findAll, fetch: [{path: Team, mode: eager}]}\n"},
		{"unnamed value", "repositories:\n  - entity: member\n    methods:\n      - {name: findByAge, params: [{type: int}]}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manifests, err := repository.ParseManifest([]byte(tt.manifest))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if _, err := manifests[0].Declarations(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
	if _, err := repository.ParseManifest([]byte("repositories:\n  - methods: []\n")); err == nil {
		t.Fatal("entry without entity should fail")
	}
}

func TestRepositoryFromManifest(t *testing.T) {
	e := newEnv(t)
	manifests, err := repository.ParseManifest([]byte(memberManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	methods, err := manifests[0].Declarations()
	if err != nil {
		t.Fatalf("declarations: %v", err)
	}
	repo := e.members(t, methods)
	sess := e.session()
	e.seed(t, sess)
	ctx := context.Background()

	red, err := repo.Page(ctx, sess, "findByTeamName", "red", types.NewPageRequest(0, 5))
	if err != nil || red.Total != 2 || len(red.Items) != 2 {
		t.Fatalf("page = %+v, %v", red, err)
	}
	picked, err := repo.List(ctx, sess, "findByUsernameIn", []string{"carol", "dave"}, types.By(types.Desc("username")))
	if err != nil || usernames(picked) != "dave,carol" {
		t.Fatalf("in = %s, %v", usernames(picked), err)
	}
	if n, err := repo.Modify(ctx, sess, "renameTeam", "blue", "green"); err != nil || n != 1 {
		t.Fatalf("rename = %d, %v", n, err)
	}
}
