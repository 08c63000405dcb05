package realtime

// Metrics observes connection and delivery events. Implementations must be
// safe for concurrent use.
type Metrics interface {
	ConnectionOpened()
	ConnectionActivated()
	// wasActive reports whether the connection reached ACTIVE before closing.
	ConnectionClosed(reason string, wasActive bool)
	Dispatched(outcome Outcome)
	OfflineFlushed(n int)
	ReceiptResolved(status string)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()             {}
func (nopMetrics) ConnectionActivated()          {}
func (nopMetrics) ConnectionClosed(string, bool) {}
func (nopMetrics) Dispatched(Outcome)            {}
func (nopMetrics) OfflineFlushed(int)            {}
func (nopMetrics) ReceiptResolved(string)        {}
