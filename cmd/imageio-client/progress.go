package main

import (
	"fmt"
	"os"

	iclientpkg "github.com/ovirt/imageiod/imageioclientpkg"
)

// terminalObserver prints an updating percentage line to stderr while
// attached to a terminal, and stays silent when piped or redirected —
// the same "only decorate an interactive terminal" convention as
// every progress bar in the ecosystem.
type terminalObserver struct {
	interactive bool
	printedAny  bool
}

func newTerminalObserver() *terminalObserver {
	return &terminalObserver{interactive: isTerminal(os.Stderr)}
}

func (o *terminalObserver) OnProgress(p iclientpkg.Progress) {
	if !o.interactive || p.BytesTotal == 0 {
		return
	}
	o.printedAny = true
	pct := float64(p.BytesCompleted) / float64(p.BytesTotal) * 100
	fmt.Fprintf(os.Stderr, "\r%6.2f%% (%d/%d bytes)", pct, p.BytesCompleted, p.BytesTotal)
}

func (o *terminalObserver) finish() {
	if o.printedAny {
		fmt.Fprintln(os.Stderr)
	}
}

// isTerminal reports whether f is attached to a character device
// (a terminal), the same os.ModeCharDevice check used by CLIs across
// the ecosystem that don't otherwise need a terminal-handling library.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
