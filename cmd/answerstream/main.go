// Command answerstream is the CLI for the streaming answer client.
package main

import (
	"os"

	"github.com/answergrid/answerstream/cmd/answerstream/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
