package export

import (
	"time"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/metadata"
)

// Event types.
const (
	TypeStatus         = "status"
	TypeAdjustment     = "adjustment"
	TypeThrottleStatus = "throttle_status"
	TypePacket         = "packet"
)

const throttleSession = "throttle"

// Event is one exported record.
type Event struct {
	Time    time.Time     `json:"time"`
	Type    string        `json:"type"`
	Session string        `json:"session"`
	Status  *StatusRecord `json:"status,omitempty"`
	Delta   *int          `json:"delta,omitempty"`
	Service string        `json:"service,omitempty"`
	Packet  *PacketRecord `json:"packet,omitempty"`
}

// StatusRecord is the exported form of a radio status.
type StatusRecord struct {
	Tx      string `json:"tx"`
	Rx      string `json:"rx"`
	TxCause string `json:"tx_cause"`
	RxCause string `json:"rx_cause"`
	Pools   int    `json:"pools"`
	CBR     *uint8 `json:"cbr,omitempty"`
}

// PacketRecord summarises the metadata of one received datagram.
type PacketRecord struct {
	SubscriptionID uint32            `json:"subscription_id"`
	Metadata       string            `json:"metadata"`
	PayloadBytes   int               `json:"payload_bytes"`
	Reports        []metadata.Report `json:"reports,omitempty"`
}

// StatusEvent builds the record for a status change of session.
func StatusEvent(session string, s core.RadioStatus) Event {
	rec := &StatusRecord{
		Tx:      s.Tx.String(),
		Rx:      s.Rx.String(),
		TxCause: s.TxCause.String(),
		RxCause: s.RxCause.String(),
		Pools:   len(s.Pools),
	}
	if s.CBRValid {
		cbr := s.CBR
		rec.CBR = &cbr
	}
	return Event{Type: TypeStatus, Session: session, Status: rec}
}

// PacketEvent builds the record for one datagram received on a subscription.
func PacketEvent(session string, subscriptionID uint32, status metadata.Status,
	reports []metadata.Report, payloadBytes int) Event {
	return Event{
		Type:    TypePacket,
		Session: session,
		Packet: &PacketRecord{
			SubscriptionID: subscriptionID,
			Metadata:       status.String(),
			PayloadBytes:   payloadBytes,
			Reports:        reports,
		},
	}
}
