// gomeshctl -- CLI client for gomesh providers and requester files.
package main

import "github.com/dantte-lp/gomesh/cmd/gomeshctl/commands"

func main() {
	commands.Execute()
}
