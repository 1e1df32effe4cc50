// councild runs the LifeOS council server: the HTTP API and WebSocket
// endpoint that broker council queries to the browser extension.
//
// Subcommands:
//   - serve     start the server in the foreground
//   - status    query a running server's health
//   - requests  list recent council requests
//   - version   print the build version
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
