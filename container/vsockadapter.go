package container

import (
	"context"
	"io"
	"net"

	"github.com/vmrunner/containerization/process"
	"github.com/vmrunner/containerization/relay"
	"github.com/vmrunner/containerization/vm"
)

// processVsockOpener adapts *vm.Instance's Listen (net.Listener-shaped)
// to process.VsockOpener's single-accept-then-finish Listener contract.
type processVsockOpener struct{ inst *vm.Instance }

func (o processVsockOpener) Listen(ctx context.Context, port uint32) (process.Listener, error) {
	l, err := o.inst.Listen(ctx, port)
	if err != nil {
		return nil, err
	}
	return vmListenerAdapter{l}, nil
}

type vmListenerAdapter struct{ l *vm.Listener }

func (a vmListenerAdapter) Accept() (io.ReadWriteCloser, error) { return a.l.Accept() }
func (a vmListenerAdapter) Finish() error                       { return a.l.Finish() }

// relayVsock adapts *vm.Instance to relay.VsockDialer and
// relay.VsockListenerFactory. *vm.Listener already satisfies
// relay.VsockListener (Accept() (net.Conn, error) + Finish() error)
// without a wrapper.
type relayVsock struct{ inst *vm.Instance }

func (r relayVsock) Dial(ctx context.Context, port uint32) (net.Conn, error) {
	return r.inst.Dial(ctx, port)
}

func (r relayVsock) Listen(ctx context.Context, port uint32) (relay.VsockListener, error) {
	return r.inst.Listen(ctx, port)
}
