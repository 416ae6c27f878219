//go:build windows

package evalsdk

import "os"

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
