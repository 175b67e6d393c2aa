// Package main provides daybook, a crash-safe local task document with
// single-writer coordination between concurrently-open contexts.
package main

import (
	"os"
	"strings"

	"daybook/internal/cli"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	exitCode := cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env)

	os.Exit(exitCode)
}
