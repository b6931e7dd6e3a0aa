package processor

import (
	"context"
	"errors"
)

// UpgradeHandler takes over a connection after a protocol switch.
type UpgradeHandler interface {
	// Init is called once the upgrade processor is bound to the socket.
	Init(sw SocketWrapper)

	// Dispatch handles one socket event for the upgraded protocol.
	Dispatch(ctx context.Context, sw SocketWrapper, status SocketStatus) (SocketState, error)

	// Destroy releases handler resources. Called exactly once.
	Destroy()
}

// UpgradeToken carries the handler negotiated by a processor that returned
// SocketUpgrading.
type UpgradeToken struct {
	Protocol string
	Handler  UpgradeHandler
}

// ErrNotAsync is returned by processors that cannot dispatch async work.
var ErrNotAsync = errors.New("processor: async dispatch not supported")

// UpgradeProcessor adapts an UpgradeHandler to the Processor interface.
// Upgrade processors are never pooled.
type UpgradeProcessor struct {
	token *UpgradeToken
}

// NewUpgradeProcessor wraps token. token.Handler must not be nil.
func NewUpgradeProcessor(token *UpgradeToken) *UpgradeProcessor {
	return &UpgradeProcessor{token: token}
}

func (p *UpgradeProcessor) Process(ctx context.Context, sw SocketWrapper, status SocketStatus) (SocketState, error) {
	return p.token.Handler.Dispatch(ctx, sw, status)
}

func (p *UpgradeProcessor) AsyncDispatch(context.Context, SocketWrapper, SocketStatus) (SocketState, error) {
	return SocketClosed, ErrNotAsync
}

func (p *UpgradeProcessor) AsyncPostProcess() (SocketState, error) {
	return SocketClosed, ErrNotAsync
}

func (p *UpgradeProcessor) IsAsync() bool               { return false }
func (p *UpgradeProcessor) IsUpgrade() bool             { return true }
func (p *UpgradeProcessor) UpgradeToken() *UpgradeToken { return p.token }
func (p *UpgradeProcessor) Recycle()                    {}
