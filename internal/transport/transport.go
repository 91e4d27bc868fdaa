// Package transport defines the device/IPC collaborator the radio core is
// built on: request primitives going down, notifications coming up, and the
// endpoints payload I/O happens on.
package transport

import (
	"io"

	"firestige.xyz/cv2x/internal/core"
)

// Endpoint is a ready socket bound to one flow or subscription.
type Endpoint interface {
	io.ReadWriteCloser
	LocalPort() uint16
}

// TxFlowKind distinguishes periodic from event-driven transmission.
type TxFlowKind uint8

const (
	TxFlowSPS TxFlowKind = iota
	TxFlowEvent
)

func (k TxFlowKind) String() string {
	if k == TxFlowEvent {
		return "event"
	}
	return "sps"
}

// TxFlowRequest asks the device to register a transmission flow.
type TxFlowRequest struct {
	RequestID  string
	Category   core.TrafficCategory
	Kind       TxFlowKind
	IPType     core.IPType
	ServiceID  uint32
	SourcePort uint16
	SPS        *core.SPSParams // nil for event flows
}

// TxFlowGrant is the device answer to a TxFlowRequest.
type TxFlowGrant struct {
	FlowID   uint32
	Endpoint Endpoint
}

// RxSubscriptionRequest asks the device to open a reception subscription.
type RxSubscriptionRequest struct {
	RequestID  string
	Category   core.TrafficCategory
	IPType     core.IPType
	Port       uint16
	ServiceIDs []uint32 // empty means every service
}

// RxSubscriptionGrant is the device answer to an RxSubscriptionRequest.
type RxSubscriptionGrant struct {
	SubscriptionID uint32
	Endpoint       Endpoint
}

// Requester is every request primitive the core issues. Each call returns
// whether the request was accepted; done runs later with the outcome.
type Requester interface {
	QueryStatus(cat core.TrafficCategory) error
	SetRadioActive(cat core.TrafficCategory, active bool, done func(error)) error
	QueryCapabilities(cat core.TrafficCategory, done func(core.Capabilities, error)) error

	RegisterTxFlow(req TxFlowRequest, done func(TxFlowGrant, error)) error
	UpdateTxFlow(cat core.TrafficCategory, flowID uint32, params core.SPSParams, done func(error)) error
	DeregisterTxFlow(cat core.TrafficCategory, flowID uint32, done func(error)) error

	RegisterRxSubscription(req RxSubscriptionRequest, done func(RxSubscriptionGrant, error)) error
	DeregisterRxSubscription(cat core.TrafficCategory, subscriptionID uint32, done func(error)) error

	SubmitVerificationLoad(load int, done func(error)) error
}

// Sink receives notifications emitted by the device.
type Sink interface {
	OnStatus(cat core.TrafficCategory, status core.RadioStatus)
	OnLinkStatus(up bool)
	OnConfigUpdate(pending bool)
	OnFilterRateAdjustment(delta int)
	OnThrottleServiceStatus(status core.ServiceStatus)
}

// Transport is a Requester that delivers notifications to an attached Sink.
type Transport interface {
	Requester
	Attach(sink Sink)
	Close() error
}
