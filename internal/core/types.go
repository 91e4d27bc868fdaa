// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"slices"
	"time"
)

// TrafficCategory partitions radio resources into independent sessions.
type TrafficCategory uint8

const (
	TrafficSafety TrafficCategory = iota
	TrafficNonSafety
)

func (c TrafficCategory) String() string {
	switch c {
	case TrafficSafety:
		return "safety"
	case TrafficNonSafety:
		return "non-safety"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// ParseTrafficCategory converts a configuration string to a TrafficCategory.
func ParseTrafficCategory(s string) (TrafficCategory, error) {
	switch s {
	case "safety":
		return TrafficSafety, nil
	case "non-safety", "nonsafety", "non_safety":
		return TrafficNonSafety, nil
	default:
		return 0, fmt.Errorf("%w: unknown traffic category %q", ErrInvalidArgument, s)
	}
}

// IPType selects IP or non-IP framing for a flow or subscription.
type IPType uint8

const (
	IPTypeIP IPType = iota
	IPTypeNonIP
)

func (t IPType) String() string {
	if t == IPTypeNonIP {
		return "non-ip"
	}
	return "ip"
}

// RadioState is the activation state of one direction (Tx or Rx).
type RadioState uint8

const (
	StateUnknown RadioState = iota
	StateInactive
	StateActive
	StateSuspended
)

func (s RadioState) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Cause explains why a direction is not Active.
type Cause uint8

const (
	CauseNone Cause = iota
	CauseTiming
	CauseConfig
	CauseUeMode
	CauseGeoPolygon
	CauseUnknown
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseTiming:
		return "timing"
	case CauseConfig:
		return "config"
	case CauseUeMode:
		return "ue-mode"
	case CauseGeoPolygon:
		return "geo-polygon"
	default:
		return "unknown"
	}
}

// PoolStatus is the sub-status of a single resource pool.
type PoolStatus struct {
	PoolID uint8
	Tx     RadioState
	Rx     RadioState
}

// RadioStatus is the superset status payload. Optional metrics carry their
// own validity flag.
type RadioStatus struct {
	Rx      RadioState
	Tx      RadioState
	RxCause Cause
	TxCause Cause
	Pools   []PoolStatus

	CBRValid bool
	CBR      uint8 // channel busy ratio, percent

	TimeUncertaintyValid bool
	TimeUncertainty      float32 // milliseconds
}

// Equal reports whether s and o carry the same value.
func (s RadioStatus) Equal(o RadioStatus) bool {
	return s.Rx == o.Rx && s.Tx == o.Tx &&
		s.RxCause == o.RxCause && s.TxCause == o.TxCause &&
		s.CBRValid == o.CBRValid && s.CBR == o.CBR &&
		s.TimeUncertaintyValid == o.TimeUncertaintyValid &&
		s.TimeUncertainty == o.TimeUncertainty &&
		slices.Equal(s.Pools, o.Pools)
}

// Clone returns a deep copy; the pool slice is not shared.
func (s RadioStatus) Clone() RadioStatus {
	s.Pools = slices.Clone(s.Pools)
	return s
}

// LegacyStatus is the narrow status view without pools or metrics.
type LegacyStatus struct {
	Rx      RadioState
	Tx      RadioState
	RxCause Cause
	TxCause Cause
}

// Legacy computes the narrow view of s.
func (s RadioStatus) Legacy() LegacyStatus {
	return LegacyStatus{Rx: s.Rx, Tx: s.Tx, RxCause: s.RxCause, TxCause: s.TxCause}
}

// Priority is a V2X transmission priority; lower values are more urgent.
type Priority uint8

// ConcurrencyMode reports whether WWAN and V2X can be used at the same time.
type ConcurrencyMode uint8

const (
	ConcurrencyUnknown ConcurrencyMode = iota
	ConcurrencyExclusive
	ConcurrencyConcurrent
)

// PoolIDRange is an inclusive range of resource pool ids.
type PoolIDRange struct {
	Min uint8 `mapstructure:"min" json:"min" yaml:"min"`
	Max uint8 `mapstructure:"max" json:"max" yaml:"max"`
}

// Capabilities is the immutable capability snapshot of the radio.
type Capabilities struct {
	LinkIPMTU            uint32          `mapstructure:"link_ip_mtu" json:"link_ip_mtu" yaml:"link_ip_mtu"`
	LinkNonIPMTU         uint32          `mapstructure:"link_non_ip_mtu" json:"link_non_ip_mtu" yaml:"link_non_ip_mtu"`
	Concurrency          ConcurrencyMode `mapstructure:"concurrency" json:"concurrency" yaml:"concurrency"`
	NonIPTxPayloadOffset uint16          `mapstructure:"non_ip_tx_payload_offset" json:"non_ip_tx_payload_offset" yaml:"non_ip_tx_payload_offset"`
	NonIPRxPayloadOffset uint16          `mapstructure:"non_ip_rx_payload_offset" json:"non_ip_rx_payload_offset" yaml:"non_ip_rx_payload_offset"`
	Periodicities        []time.Duration `mapstructure:"periodicities" json:"periodicities" yaml:"periodicities"`
	MaxRetransmissions   uint8           `mapstructure:"max_retransmissions" json:"max_retransmissions" yaml:"max_retransmissions"`
	L2AddressSize        uint16          `mapstructure:"l2_address_size" json:"l2_address_size" yaml:"l2_address_size"`
	Priorities           []Priority      `mapstructure:"priorities" json:"priorities" yaml:"priorities"`
	MaxSpsFlows          int             `mapstructure:"max_sps_flows" json:"max_sps_flows" yaml:"max_sps_flows"`
	MaxEventFlows        int             `mapstructure:"max_event_flows" json:"max_event_flows" yaml:"max_event_flows"`
	MinTxPowerDbm        int16           `mapstructure:"min_tx_power_dbm" json:"min_tx_power_dbm" yaml:"min_tx_power_dbm"`
	MaxTxPowerDbm        int16           `mapstructure:"max_tx_power_dbm" json:"max_tx_power_dbm" yaml:"max_tx_power_dbm"`
	PoolIDs              []PoolIDRange   `mapstructure:"pool_ids" json:"pool_ids" yaml:"pool_ids"`
}

// Clone returns a deep copy so cached snapshots stay immutable.
func (c Capabilities) Clone() Capabilities {
	c.Periodicities = slices.Clone(c.Periodicities)
	c.Priorities = slices.Clone(c.Priorities)
	c.PoolIDs = slices.Clone(c.PoolIDs)
	return c
}

// SupportsPeriodicity reports whether p is one of the reported periodicities.
func (c Capabilities) SupportsPeriodicity(p time.Duration) bool {
	return slices.Contains(c.Periodicities, p)
}

// SupportsPriority reports whether p is one of the reported priorities.
func (c Capabilities) SupportsPriority(p Priority) bool {
	return slices.Contains(c.Priorities, p)
}

// MTU returns the link MTU for the given framing.
func (c Capabilities) MTU(t IPType) uint32 {
	if t == IPTypeNonIP {
		return c.LinkNonIPMTU
	}
	return c.LinkIPMTU
}

// SPSParams describes a semi-persistent scheduling reservation.
type SPSParams struct {
	Priority       Priority
	Periodicity    time.Duration
	ReservedBytes  uint32
	AutoRetransmit bool
}

// Validate checks p against the capability snapshot.
func (p SPSParams) Validate(caps Capabilities, ipType IPType) error {
	if !caps.SupportsPriority(p.Priority) {
		return fmt.Errorf("%w: unsupported priority %d", ErrInvalidArgument, p.Priority)
	}
	if !caps.SupportsPeriodicity(p.Periodicity) {
		return fmt.Errorf("%w: unsupported periodicity %s", ErrInvalidArgument, p.Periodicity)
	}
	if p.ReservedBytes == 0 {
		return fmt.Errorf("%w: reserved size must be positive", ErrInvalidArgument)
	}
	if mtu := caps.MTU(ipType); mtu > 0 && p.ReservedBytes > mtu {
		return fmt.Errorf("%w: reserved size %d exceeds %s MTU %d",
			ErrInvalidArgument, p.ReservedBytes, ipType, mtu)
	}
	return nil
}

// ServiceStatus is the availability of an underlying service.
type ServiceStatus uint8

const (
	ServiceUnavailable ServiceStatus = iota
	ServiceAvailable
	ServiceFailed
)

func (s ServiceStatus) String() string {
	switch s {
	case ServiceAvailable:
		return "available"
	case ServiceFailed:
		return "failed"
	default:
		return "unavailable"
	}
}
