package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"atlasvet/backend/internal/trustcache"
)

func runTrust(sub string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trust "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cache, _, closeFn, err := c.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeFn()
	ctx := context.Background()
	switch sub {
	case "status":
		if cache.IsTrusted(ctx, trustcache.Fingerprint()) {
			fmt.Fprintln(stdout, "This device is trusted.")
		} else {
			fmt.Fprintln(stdout, "This device is not trusted.")
		}
		return 0
	case "clear":
		cache.Clear(ctx)
		fmt.Fprintln(stdout, "Trusted-device record removed.")
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown trust command: %s\n", sub)
		return 1
	}
}
