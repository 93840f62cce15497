package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	iclientpkg "github.com/ovirt/imageiod/imageioclientpkg"
)

func TestTerminalObserverSilentWhenNotInteractive(t *testing.T) {
	o := &terminalObserver{interactive: false}
	o.OnProgress(iclientpkg.Progress{BytesTotal: 100, BytesCompleted: 50})
	assert.False(t, o.printedAny)
}

func TestTerminalObserverMarksPrintedWhenInteractive(t *testing.T) {
	o := &terminalObserver{interactive: true}
	o.OnProgress(iclientpkg.Progress{BytesTotal: 100, BytesCompleted: 50})
	assert.True(t, o.printedAny)
}

func TestTerminalObserverIgnoresZeroTotal(t *testing.T) {
	o := &terminalObserver{interactive: true}
	o.OnProgress(iclientpkg.Progress{BytesTotal: 0, BytesCompleted: 0})
	assert.False(t, o.printedAny)
}

func TestIsTerminalFalseForRegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "not-a-tty")
	assert.NoError(t, err)
	defer f.Close()
	assert.False(t, isTerminal(f))
}
