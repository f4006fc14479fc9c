// sq is the Squad CLI for running agent sessions against a shared
// task queue.
package main

import (
	"os"

	"github.com/squadhq/squad/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
