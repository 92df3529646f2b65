// asyncipctl is a smoke-test and demo client for the async IP connection
// engine: it drives the engine's Go API directly, in-process.
package main

import "github.com/asyncip/engine/cmd/asyncipctl/commands"

func main() {
	commands.Execute()
}
