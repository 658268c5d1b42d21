// pfsctl is a thin command line tool over the protectfs stream API.
package main

import (
	"os"

	"github.com/absfs/protectfs/cmd/pfsctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
