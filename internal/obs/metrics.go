package obs

import "time"

// Metrics receives measurements from the client stack. Implementations
// may no-op or bridge to a metrics system.
type Metrics interface {
	// RequestCompleted records one finished round trip.
	RequestCompleted(method, host string, statusCode int, d time.Duration)
	// RequestFailed records a round trip that produced no response.
	RequestFailed(method, host, phase string)
	// Redirect records one followed redirect hop.
	Redirect(host string)

	// ConnDialed records a freshly dialed connection.
	ConnDialed(host string)
	// ConnReused records an idle connection handed out again.
	ConnReused(host string)
	// ConnIdleClosed records an idle connection evicted by the reaper.
	ConnIdleClosed(host string)
	// PoolWait records time spent queued for a connection slot.
	PoolWait(host string, d time.Duration)

	// DNSLookup records one upstream resolution.
	DNSLookup(host string, cached bool)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RequestCompleted(method, host string, statusCode int, d time.Duration) {}
func (NopMetrics) RequestFailed(method, host, phase string)                              {}
func (NopMetrics) Redirect(host string)                                                  {}
func (NopMetrics) ConnDialed(host string)                                                {}
func (NopMetrics) ConnReused(host string)                                                {}
func (NopMetrics) ConnIdleClosed(host string)                                            {}
func (NopMetrics) PoolWait(host string, d time.Duration)                                 {}
func (NopMetrics) DNSLookup(host string, cached bool)                                    {}
