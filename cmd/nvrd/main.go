// Command nvrd runs the recording storage engine: serve starts the
// background loops and playback (it does not start ingest), stream
// manages the registered camera list, fsck runs
// the crash-recovery reconciliation pass standalone, and gc triggers an
// out-of-cycle retention sweep.
package main

import (
	"fmt"
	"os"

	"github.com/quietstream/nvr/cmd/nvrd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
