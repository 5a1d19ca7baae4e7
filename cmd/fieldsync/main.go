// Command fieldsync runs the field sync service and device agents.
package main

import (
	"os"

	"github.com/roach88/fieldsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
