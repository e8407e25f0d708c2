// Command vmrun is the process entrypoint for the run engine (spec
// §6): it owns nothing itself beyond wiring os.Args into
// internal/cli.Execute, which runs exactly one VM to completion and
// maps the result onto the documented process exit codes.
package main

import "github.com/cirruslabs/vmrun/internal/cli"

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cli.Execute(version)
}
