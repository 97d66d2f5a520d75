//go:build windows

package cmd

import (
	"os"
)

// gracefulSignals returns the OS signals that should cancel a running
// proxy's context. On Windows, only os.Interrupt (Ctrl+C / CTRL_C_EVENT)
// is reliably delivered; SIGTERM does not exist on Windows.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
