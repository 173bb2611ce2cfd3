// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianArbiter/pkg/logging"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/config"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/registry"
)

// runVersion prints the arbiter version.
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("arbiter %s\n", arbiter.ServiceVersion)
}

// runCategories loads the configured registry and prints the enabled
// categories.
func runCategories(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Error loading the config: %v", err)
	}

	logger := logging.Default()
	reg, err := registry.New(cfg.Registry.Path, logger.Logger)
	if err != nil {
		log.Fatalf("Error loading the category registry: %v", err)
	}
	defer reg.Close()

	active := reg.Active()
	if len(active) == 0 {
		fmt.Println("No categories enabled.")
		return
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name < active[j].Name })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENGINE\tMAX REFS\tDESCRIPTION")
	for _, c := range active {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.Name, c.EngineURL, c.MaxReferences, c.Description)
	}
	w.Flush()
}
