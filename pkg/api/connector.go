package api

import (
	"github.com/marmos91/coyote/pkg/adapter"
	"github.com/marmos91/coyote/pkg/api/handlers"
	"github.com/marmos91/coyote/pkg/connection"
	"github.com/marmos91/coyote/pkg/executor"
)

// InProgressCounter reports the number of async requests in flight.
type InProgressCounter interface {
	InProgress() int64
}

// Connector gathers the running connector components behind the
// handlers.Connector interface. Any field may be nil.
type Connector struct {
	Endpoint   *adapter.Endpoint
	Dispatcher *connection.Dispatcher
	Async      InProgressCounter
	Executor   *executor.Pool
}

var _ handlers.Connector = (*Connector)(nil)

func (c *Connector) Status() handlers.ConnectorStatus {
	var s handlers.ConnectorStatus
	if c.Endpoint != nil {
		s.Protocol = c.Endpoint.Protocol()
		s.Port = c.Endpoint.Port()
		s.Paused = c.Endpoint.IsPaused()
		s.ActiveConnections = int(c.Endpoint.ActiveConnections())
	}
	if c.Dispatcher != nil {
		s.Dispatcher = c.Dispatcher.Stats()
	}
	if c.Async != nil {
		s.AsyncInProgress = c.Async.InProgress()
	}
	if c.Executor != nil {
		s.Executor = handlers.ExecutorStatus{
			Size:    c.Executor.Size(),
			Running: c.Executor.Running(),
			Queued:  c.Executor.Queued(),
		}
	}
	return s
}

func (c *Connector) Pause() {
	if c.Endpoint != nil {
		c.Endpoint.Pause()
	}
}

func (c *Connector) Resume() {
	if c.Endpoint != nil {
		c.Endpoint.Resume()
	}
}
