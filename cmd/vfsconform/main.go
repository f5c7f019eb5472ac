// Command vfsconform drives the conformance suite (spec.md §8) against
// any registered VFS backend, the way GoogleCloudPlatform/gcsfuse and
// marmos91/dittofs each ship a single cobra-based entrypoint for their
// storage layer's operational tooling.
package main

import (
	"fmt"
	"os"

	"github.com/relstore/webvfs/cmd/vfsconform/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
