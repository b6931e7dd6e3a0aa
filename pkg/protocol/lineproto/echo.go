package lineproto

import (
	"context"
	"io"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/pkg/processor"
)

// EchoName is the protocol a line connection switches to on UPGRADE. It can
// also be negotiated up front.
const EchoName = "echo"

// echoHandler writes back whatever bytes arrive. It only consumes input that
// is already buffered so a dispatch never blocks on the socket.
type echoHandler struct {
	id string
}

var _ processor.UpgradeHandler = (*echoHandler)(nil)

func (h *echoHandler) Init(sw processor.SocketWrapper) {
	h.id = sw.ID()
	logger.Debug("Echo upgrade ready", logger.KeyConnID, h.id)
}

func (h *echoHandler) Dispatch(_ context.Context, sw processor.SocketWrapper, status processor.SocketStatus) (processor.SocketState, error) {
	if status != processor.StatusOpenRead {
		return processor.SocketClosed, nil
	}

	r := sw.Reader()
	n := r.Buffered()
	if n == 0 {
		return processor.SocketUpgraded, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return processor.SocketClosed, err
	}
	if _, err := sw.Write(buf); err != nil {
		return processor.SocketClosed, err
	}
	return processor.SocketUpgraded, nil
}

func (h *echoHandler) Destroy() {
	logger.Debug("Echo upgrade closed", logger.KeyConnID, h.id)
}

// EchoProtocol serves sockets whose negotiated protocol is EchoName.
type EchoProtocol struct{}

var _ processor.UpgradeProtocol = EchoProtocol{}

func (EchoProtocol) Name() string { return EchoName }

// Processor returns an upgrade processor whose handler is already
// initialized for sw.
func (EchoProtocol) Processor(sw processor.SocketWrapper) processor.Processor {
	h := &echoHandler{}
	h.Init(sw)
	return processor.NewUpgradeProcessor(&processor.UpgradeToken{Protocol: EchoName, Handler: h})
}
