package vm

import (
	"os"
)

// OpenBootLogFile returns a BootLogSink writing to path, truncating it
// first if truncate is true and otherwise appending.
func OpenBootLogFile(path string, truncate bool) (*BootLogSink, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return &BootLogSink{Writer: f, Truncate: truncate}, nil
}
