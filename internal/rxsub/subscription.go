package rxsub

import (
	"fmt"
	"slices"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/metadata"
	"firestige.xyz/cv2x/internal/metrics"
	"firestige.xyz/cv2x/internal/transport"
)

// Subscription is a live reception subscription.
type Subscription struct {
	id         uint32
	ipType     core.IPType
	port       uint16
	serviceIDs []uint32
	endpoint   transport.Endpoint
}

func (s *Subscription) ID() uint32                   { return s.id }
func (s *Subscription) IPType() core.IPType          { return s.ipType }
func (s *Subscription) Port() uint16                 { return s.port }
func (s *Subscription) Endpoint() transport.Endpoint { return s.endpoint }

// ServiceIDs returns the service filter; empty means every service.
func (s *Subscription) ServiceIDs() []uint32 {
	return slices.Clone(s.serviceIDs)
}

func (s *Subscription) key() subKey {
	return subKey{ipType: s.ipType, port: s.port}
}

type subKey struct {
	ipType core.IPType
	port   uint16
}

// Packet is one received datagram split into metadata and payload.
type Packet struct {
	Reports []metadata.Report
	Status  metadata.Status
	Payload []byte // aliases the read buffer
}

// ReadPacket reads one datagram into buf and decodes its leading metadata.
// A metadata failure is reported in Packet.Status; the payload then starts
// after the last complete span.
func (s *Subscription) ReadPacket(buf []byte) (Packet, error) {
	n, err := s.endpoint.Read(buf)
	if err != nil {
		return Packet{}, fmt.Errorf("read subscription %d: %w", s.id, err)
	}
	consumed, reports, status := metadata.Decode(buf[:n])
	metrics.MetadataDecodeTotal.WithLabelValues(status.String()).Inc()
	return Packet{Reports: reports, Status: status, Payload: buf[consumed:n]}, nil
}
