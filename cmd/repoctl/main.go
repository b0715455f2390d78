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

// Command repoctl validates entity and repository manifests before they
// reach a running engine.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tomoncle/datamapper/compiler"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/tomoncle/datamapper/repository"
	"github.com/tomoncle/datamapper/utils"
)

var (
	entitiesPath     string
	repositoriesPath string
	logLevel         string
)

var rootCmd = &cobra.Command{
	Use:   "repoctl",
	Short: "Validate and explain repository manifests",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.ConfigureLogLevel(logLevel)
	},
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compile every declared method and report the failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		plans, err := compileManifests(entitiesPath, repositoriesPath)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d methods compiled\n", len(plans))
		return nil
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Print the query plan of every declared method",
	RunE: func(cmd *cobra.Command, args []string) error {
		plans, err := compileManifests(entitiesPath, repositoriesPath)
		if err != nil {
			return err
		}
		explain(cmd.OutOrStdout(), plans)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&entitiesPath, "entities", "e", "entities.yaml", "entity manifest")
	rootCmd.PersistentFlags().StringVarP(&repositoriesPath, "repositories", "r", "repositories.yaml", "repository manifest")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	rootCmd.AddCommand(checkCmd, explainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// compileManifests loads both manifests and compiles every method. All
// failures are returned together.
func compileManifests(entities, repositories string) ([]*query.Plan, error) {
	descs, err := metadata.LoadFile(entities)
	if err != nil {
		return nil, err
	}
	reg := metadata.NewRegistry()
	if err := reg.Register(descs...); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	manifests, err := repository.LoadManifest(repositories)
	if err != nil {
		return nil, err
	}

	c := compiler.New(reg, compiler.Options{DisableCache: true})
	var (
		plans    []*query.Plan
		failures []error
	)
	for _, m := range manifests {
		entity, ok := reg.Lookup(m.Entity)
		if !ok {
			failures = append(failures, fmt.Errorf("repository for unknown entity %q", m.Entity))
			continue
		}
		methods, err := m.Declarations()
		if err != nil {
			failures = append(failures, err)
			continue
		}
		compiled, err := c.CompileAll(entity, methods)
		plans = append(plans, compiled...)
		if err != nil {
			failures = append(failures, err)
		}
	}
	return plans, errors.Join(failures...)
}

func explain(w io.Writer, plans []*query.Plan) {
	for _, p := range plans {
		_, _ = fmt.Fprintf(w, "%s\n", p)
		if p.Count != nil {
			_, _ = fmt.Fprintf(w, "  count: %s\n", p.Count)
		}
	}
}
