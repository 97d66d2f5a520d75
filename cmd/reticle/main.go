// Command reticle is the CLI entrypoint for the reticle MCP observability
// proxy.
package main

import "github.com/reticlehq/reticle/cmd/reticle/cmd"

func main() {
	cmd.Execute()
}
