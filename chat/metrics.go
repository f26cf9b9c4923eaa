package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shophub",
			Subsystem: "support",
			Name:      "connections",
			Help:      "Active support chat connections by role.",
		},
		[]string{"role"},
	)
	messagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shophub",
			Subsystem: "support",
			Name:      "messages_routed_total",
			Help:      "Messages accepted by the router by direction.",
		},
		[]string{"direction"},
	)
	framesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shophub",
			Subsystem: "support",
			Name:      "frames_rejected_total",
			Help:      "Inbound frames rejected by error code.",
		},
		[]string{"code"},
	)
	presencePushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shophub",
			Subsystem: "support",
			Name:      "presence_pushes_total",
			Help:      "Presence snapshots pushed to admin connections.",
		},
	)
	sendsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shophub",
			Subsystem: "support",
			Name:      "sends_dropped_total",
			Help:      "Outbound events dropped because the connection was full or closed.",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionsGauge, messagesRouted, framesRejected, presencePushes, sendsDropped)
}

func roleLabel(isAdmin bool) string {
	if isAdmin {
		return "admin"
	}
	return "customer"
}

// send 尽力投递，失败只计数
func send(conn Conn, env Envelope) bool {
	if conn.Send(env) {
		return true
	}
	sendsDropped.Inc()
	return false
}
