package metrics

import "time"

// CerverMetrics provides observability for a cerver.
//
// Table names are "on-hold", "main" and "admin". This interface is optional:
// a cerver created without one uses NewNoopCerverMetrics.
type CerverMetrics interface {
	// RecordConnectionAccepted counts a socket returned by accept.
	RecordConnectionAccepted()

	// RecordConnectionRejected counts a socket closed right after accept.
	//
	// Parameters:
	//   - reason: "table_full" or "rate_limited"
	RecordConnectionRejected(reason string)

	// RecordConnectionClosed counts a connection leaving a table for good.
	//
	// Parameters:
	//   - table: table the connection was in
	//   - reason: "closed", "hangup", "dropped" or "shutdown"
	RecordConnectionClosed(table, reason string)

	// SetTableSize updates the number of connections in a table.
	SetTableSize(table string, size int)

	// SetClients updates the number of registered clients.
	SetClients(count int)

	// RecordPacket counts a complete inbound packet and its size in bytes.
	RecordPacket(table, packetType string, bytes int)

	// RecordBadPacket counts a packet rejected by protocol checks or by the
	// authentication gate.
	RecordBadPacket(table string)

	// RecordMalformed counts a read discarded by the reassembler.
	RecordMalformed(table string)

	// RecordAuth counts an authentication outcome.
	//
	// Parameters:
	//   - result: "success", "session", "failed" or "dropped"
	RecordAuth(result string)

	// RecordHandler records a dispatched handler run.
	RecordHandler(packetType string, duration time.Duration, err error)
}

// NewNoopCerverMetrics returns a CerverMetrics that records nothing.
func NewNoopCerverMetrics() CerverMetrics {
	return noopCerverMetrics{}
}

type noopCerverMetrics struct{}

func (noopCerverMetrics) RecordConnectionAccepted()                  {}
func (noopCerverMetrics) RecordConnectionRejected(string)            {}
func (noopCerverMetrics) RecordConnectionClosed(string, string)      {}
func (noopCerverMetrics) SetTableSize(string, int)                   {}
func (noopCerverMetrics) SetClients(int)                             {}
func (noopCerverMetrics) RecordPacket(string, string, int)           {}
func (noopCerverMetrics) RecordBadPacket(string)                     {}
func (noopCerverMetrics) RecordMalformed(string)                     {}
func (noopCerverMetrics) RecordAuth(string)                          {}
func (noopCerverMetrics) RecordHandler(string, time.Duration, error) {}
