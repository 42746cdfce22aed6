// Package main implements the checkconfig CLI tool for the entitlement engine.
//
// The tool loads configuration exactly the way the API server does and prints
// the resolved plan catalog: which plans have a billing processor price
// mapped and therefore offer checkout. Run it after editing PAYMENTS_*
// variables to catch a missing or misspelled price ID before deploying.
//
// Usage:
//
//	go run ./cmd/ops/checkconfig
//	go run ./cmd/ops/checkconfig --strict
//
// With --strict, any plan without a processor reference fails the run with
// exit code 1. Use this in CI for production environment files.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"entitlements/internal/billing"
	"entitlements/internal/config"
	"entitlements/internal/types"
)

func main() {
	strict := flag.Bool("strict", false, "exit non-zero when any plan has no processor reference")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "checkconfig: loading configuration: %v\n", err)
		os.Exit(1)
	}

	catalog := billing.NewCatalog(cfg.Payments.PlanRefs())

	fmt.Printf("environment: %s\n\n", cfg.Environment)

	missing := printCatalog(os.Stdout, catalog)

	if missing > 0 {
		fmt.Printf("\n%d plan(s) have no processor reference; checkout is disabled for them\n", missing)
		if *strict {
			os.Exit(1)
		}
	} else {
		fmt.Println("\nall plans have checkout available")
	}
}

// printCatalog writes the plan table and returns the number of plans without
// a processor reference.
func printCatalog(out io.Writer, catalog *billing.Catalog) int {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLAN\tKIND\tCREDITS\tPROCESSOR REF\tCHECKOUT")

	missing := 0
	for _, def := range catalog.Plans() {
		kind := "subscription"
		credits := "-"
		if effect, ok := def.Effect.(types.CreditsEffect); ok {
			kind = "credits"
			credits = fmt.Sprintf("%d", effect.Amount)
		}

		ref := def.ProcessorPlanRef
		checkout := "available"
		if ref == "" {
			ref = "(unset)"
			checkout = "UNAVAILABLE"
			missing++
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", def.ID, kind, credits, ref, checkout)
	}
	w.Flush()
	return missing
}
