package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) IncFlowCreated()                        {}
func (n *NoopRecorder) IncFlowStarted()                        {}
func (n *NoopRecorder) IncFlowStopped()                        {}
func (n *NoopRecorder) IncFlowDeleted()                        {}
func (n *NoopRecorder) IncExecution(string, string)            {}
func (n *NoopRecorder) ObserveExecutionDuration(time.Duration) {}
func (n *NoopRecorder) IncFireCoalesced()                      {}
func (n *NoopRecorder) IncNotification(string)                 {}
