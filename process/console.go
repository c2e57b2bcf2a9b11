package process

import (
	"github.com/containerd/console"
)

// TerminalSize is a host terminal's row/column extent, as passed to
// ResizeProcess. CreateProcess takes no terminal size.
type TerminalSize struct {
	Rows uint32
	Cols uint32
}

// HostConsoleSize puts the calling process's controlling terminal into
// raw mode and reports its current size, for a CLI front end that wants
// to forward its own terminal to a container process created with
// Spec.Terminal set; the size is delivered to the guest through
// ResizeProcess once the process has started. The returned reset func
// restores the terminal's prior state
// and must be called once the relay to that process ends.
func HostConsoleSize() (TerminalSize, func() error, error) {
	c := console.Current()
	if err := c.SetRaw(); err != nil {
		return TerminalSize{}, nil, err
	}
	sz, err := c.Size()
	if err != nil {
		c.Reset()
		return TerminalSize{}, nil, err
	}
	return TerminalSize{Rows: uint32(sz.Height), Cols: uint32(sz.Width)}, c.Reset, nil
}
