package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinx",
			Name:      "orders_submitted_total",
			Help:      "Total orders accepted by the matching engine.",
		},
		[]string{"symbol", "side", "type"},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinx",
			Name:      "orders_rejected_total",
			Help:      "Total orders that ended rejected during matching.",
		},
		[]string{"symbol", "reason"},
	)

	TradesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinx",
			Name:      "trades_executed_total",
			Help:      "Total trades produced by the matcher.",
		},
		[]string{"symbol"},
	)

	MailboxFull = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinx",
			Name:      "engine_mailbox_full_total",
			Help:      "Commands bounced because a symbol mailbox was full.",
		},
		[]string{"symbol"},
	)

	ApplyRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinx",
			Name:      "store_apply_retries_total",
			Help:      "State-store apply attempts that had to be retried.",
		},
		[]string{"symbol"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinx",
			Name:      "bus_events_published_total",
			Help:      "Events published to the bus.",
		},
		[]string{"symbol", "type"},
	)

	WSSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coinx",
			Name:      "ws_sessions",
			Help:      "Open subscriber sessions.",
		},
		[]string{"symbol"},
	)

	WSMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinx",
			Name:      "ws_messages_sent_total",
			Help:      "Messages written to subscriber sessions.",
		},
		[]string{"symbol", "type"},
	)

	PanicsRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinx",
			Name:      "panics_recovered_total",
			Help:      "Panics caught by goroutine guards, per component.",
		},
		[]string{"component"},
	)

	WSErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinx",
			Name:      "ws_errors_total",
			Help:      "Session errors (write failures, bad inbound frames).",
		},
		[]string{"symbol", "kind"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		OrdersSubmitted, OrdersRejected, TradesExecuted,
		MailboxFull, ApplyRetries, EventsPublished,
		WSSessions, WSMessagesSent, WSErrors, PanicsRecovered,
	)
}
