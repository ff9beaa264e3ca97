package dbus

import "expvar"

// connMetrics carry the activity counters of a single connection.
type connMetrics struct {
	msgsSent    expvar.Int // messages written to the bus
	msgsRecv    expvar.Int // messages decoded from the bus
	callsOut    expvar.Int // method calls initiated locally
	callsIn     expvar.Int // method calls addressed to this connection
	callErrsIn  expvar.Int // inbound calls answered with an error
	signalsIn   expvar.Int // broadcast and directed signals received
	signalsSent expvar.Int // signal deliveries to subscriptions

	emap *expvar.Map
}

func newConnMetrics() *connMetrics {
	m := &connMetrics{emap: new(expvar.Map)}
	m.emap.Set("messages_sent", &m.msgsSent)
	m.emap.Set("messages_received", &m.msgsRecv)
	m.emap.Set("calls_out", &m.callsOut)
	m.emap.Set("calls_in", &m.callsIn)
	m.emap.Set("call_errors_in", &m.callErrsIn)
	m.emap.Set("signals_received", &m.signalsIn)
	m.emap.Set("signals_delivered", &m.signalsSent)
	return m
}

// Metrics returns a map of counters describing the connection's
// activity. The caller may add its own metrics to the map. The map is
// not registered with the expvar package; the caller may publish it.
func (c *Conn) Metrics() *expvar.Map { return c.metrics.emap }
