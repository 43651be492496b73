package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm-treasury/pkg/config"
	"github.com/Mindburn-Labs/helm-treasury/pkg/policyrules"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// runBootstrapCmd creates the treasuries of a bootstrap document and prints
// each one with its admin capability token.
func runBootstrapCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	creator := fs.String("creator", "", "address recorded as creator and first admin (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || *creator == "" {
		fmt.Fprintln(stderr, "Usage: treasury bootstrap --creator <address> <file>")
		return 2
	}

	doc, err := config.LoadBootstrap(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "treasury: %v\n", err)
		return 1
	}
	// Rules only take effect through RULES_FILE on the server, but a
	// document that carries broken rules is rejected here.
	if _, err := policyrules.Compile(doc.Rules); err != nil {
		fmt.Fprintf(stderr, "treasury: %v\n", err)
		return 1
	}

	ctx := context.Background()
	rt, err := setup(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "treasury: %v\n", err)
		return 1
	}
	defer rt.Close(ctx)

	created, err := rt.svc.Bootstrap(ctx, treasury.Address(*creator), doc)
	for _, c := range created {
		rt.logger.Info("treasury bootstrapped", "treasury_id", c.Treasury.ID, "name", c.Treasury.Name)
	}
	if err != nil {
		fmt.Fprintf(stderr, "treasury: bootstrap stopped after %d treasuries: %v\n", len(created), err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"treasuries": created}); err != nil {
		fmt.Fprintf(stderr, "treasury: %v\n", err)
		return 1
	}
	return 0
}
