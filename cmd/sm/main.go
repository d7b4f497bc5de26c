// sm is the session manager CLI for orchestrating terminal agent sessions.
package main

import (
	"os"

	"github.com/OWNER/sm/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
