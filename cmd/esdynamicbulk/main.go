// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Program esdynamicbulk shows the Elasticsearch bulk requests the
// elasticsearch_dynamic exporter would send for a set of records.
package main // import "github.com/open-telemetry/esdynamic-collector/cmd/esdynamicbulk"

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "esdynamicbulk",
		Short:        "esdynamicbulk renders the bulk requests of the elasticsearch_dynamic exporter",
		Example:      "esdynamicbulk render --config exporter.yaml --input records.ndjson",
		SilenceUsage: true,
	}

	cfg := newRenderConfig()
	renderCmd := &cobra.Command{
		Use:   "render",
		Short: "Prints the _bulk bodies built for the input records without contacting Elasticsearch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return render(cmd.OutOrStdout(), cfg)
		},
	}
	cfg.Flags(renderCmd.Flags())
	rootCmd.AddCommand(renderCmd)

	// Disabling completion command for end user
	// https://github.com/spf13/cobra/blob/master/shell_completions.md
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
