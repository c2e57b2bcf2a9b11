// Package vlog carries a structured logrus.Entry through a context.Context,
// the way the guest-agent channel, the relay pumps, and the VM instance all
// need to attach id fields (vm.id, container.id, process.id, relay.id)
// without threading a logger argument through every call.
package vlog

import (
	"context"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

var baseLogger = logrus.StandardLogger()

// WithContext returns a copy of ctx carrying entry, replacing any entry
// already attached.
func WithContext(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// G returns the logrus.Entry attached to ctx, or a background entry with no
// fields if none was attached.
func G(ctx context.Context) *logrus.Entry {
	if e, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return e.WithContext(ctx)
	}
	return logrus.NewEntry(baseLogger).WithContext(ctx)
}

// L is the package-level entry, used for logging before any context exists
// (process startup, package init).
var L = logrus.NewEntry(baseLogger)
