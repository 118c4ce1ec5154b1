// Package procutil holds small process-lifecycle helpers shared by the
// cmd package, grounded on bureau-foundation-bureau's lib/process/exit.go
// Fatal(err) idiom: a single place that decides how a startup error is
// reported and turns into a nonzero exit, instead of every command
// hand-rolling its own fmt.Fprintln/os.Exit pair.
package procutil

import (
	"fmt"
	"os"
)

// Fatal prints err to stderr with a relaymuxd prefix and exits 1. It is
// a no-op if err is nil, so callers can write `procutil.Fatal(doThing())`
// unconditionally.
func Fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "relaymuxd: %v\n", err)
	os.Exit(1)
}
