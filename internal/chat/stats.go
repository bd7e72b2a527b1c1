// Package chat implements the protocol handlers that sit between the
// reactor and the mailbox directory: the read side decodes one frame
// and performs the requested mutation, the write side drains a
// connection's mailbox back onto the socket.
package chat

// Stats receives engine counters. The server wires its Prometheus
// metrics in here; handlers never depend on the metrics library.
type Stats interface {
	FrameRead()
	FrameWritten()
	FanOut(delivered, skipped int)
	StoreError()
}

type noopStats struct{}

func (noopStats) FrameRead()      {}
func (noopStats) FrameWritten()   {}
func (noopStats) FanOut(_, _ int) {}
func (noopStats) StoreError()     {}
