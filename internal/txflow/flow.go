package txflow

import (
	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/transport"
)

// Flow is a live transmission flow. Payload is written directly to its
// Endpoint.
type Flow struct {
	id         uint32
	serviceID  uint32
	ipType     core.IPType
	sourcePort uint16
	kind       transport.TxFlowKind
	endpoint   transport.Endpoint

	// sps is guarded by the owning registry's mutex.
	sps core.SPSParams
}

func (f *Flow) ID() uint32                 { return f.id }
func (f *Flow) ServiceID() uint32          { return f.serviceID }
func (f *Flow) IPType() core.IPType        { return f.ipType }
func (f *Flow) SourcePort() uint16         { return f.sourcePort }
func (f *Flow) Kind() transport.TxFlowKind { return f.kind }
func (f *Flow) Endpoint() transport.Endpoint {
	return f.endpoint
}

func (f *Flow) key() flowKey {
	return flowKey{serviceID: f.serviceID, port: f.sourcePort}
}

// flowKey is unique among live and pending flows of one session.
type flowKey struct {
	serviceID uint32
	port      uint16
}
