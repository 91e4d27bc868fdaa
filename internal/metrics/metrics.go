// Package metrics holds the Prometheus collectors and their HTTP exposition.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MetadataDecodeTotal counts metadata decode outcomes on the receive path
	MetadataDecodeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv2x_metadata_decode_total",
			Help: "Total number of receive metadata decode attempts by status",
		},
		[]string{"status"},
	)

	// TxFlowsActive tracks live transmission flows
	TxFlowsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cv2x_tx_flows_active",
			Help: "Current number of live transmission flows",
		},
		[]string{"category", "kind"},
	)

	// RxSubscriptionsActive tracks live reception subscriptions
	RxSubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cv2x_rx_subscriptions_active",
			Help: "Current number of live reception subscriptions",
		},
		[]string{"category"},
	)

	// StatusChangesTotal counts radio status changes delivered to listeners
	StatusChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv2x_status_changes_total",
			Help: "Total number of radio status changes",
		},
		[]string{"category"},
	)

	// ThrottleAdjustmentsTotal counts filter rate adjustments delivered
	ThrottleAdjustmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cv2x_throttle_adjustments_total",
			Help: "Total number of filter rate adjustments delivered to listeners",
		},
	)

	// DispatchDroppedTotal counts events rejected by a full dispatch queue
	DispatchDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv2x_dispatch_dropped_total",
			Help: "Total number of events dropped because a dispatch queue was full",
		},
		[]string{"topic"},
	)

	// RequestsExpiredTotal counts device requests still pending past their deadline
	RequestsExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv2x_requests_expired_total",
			Help: "Total number of device requests that outlived their completion deadline",
		},
		[]string{"table", "op"},
	)
)
