package external

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// framesRx tracks decoded inbound frames
	framesRx = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kismet_external_frames_rx_total",
			Help: "Total frames received on external endpoints",
		},
	)

	// framesTx tracks encoded outbound frames
	framesTx = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kismet_external_frames_tx_total",
			Help: "Total frames sent on external endpoints",
		},
	)

	// bytesRx tracks raw inbound bytes
	bytesRx = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kismet_external_bytes_rx_total",
			Help: "Total bytes received on external endpoints",
		},
	)

	// bytesTx tracks raw outbound bytes
	bytesTx = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kismet_external_bytes_tx_total",
			Help: "Total bytes sent on external endpoints",
		},
	)

	// protoErrors tracks protocol violations by kind
	protoErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kismet_external_errors_total",
			Help: "Total external protocol errors by kind",
		},
		[]string{"kind"},
	)

	// httpSessionGauge tracks live proxied HTTP sessions
	httpSessionGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kismet_external_http_proxy_sessions",
			Help: "Number of in-flight proxied HTTP sessions",
		},
	)

	// ebListenerGauge tracks live proxied eventbus listeners
	ebListenerGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kismet_external_eventbus_listeners",
			Help: "Number of active proxied eventbus listeners",
		},
	)

	// ipcLaunches tracks helper process launches
	ipcLaunches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kismet_external_ipc_launches_total",
			Help: "Total helper process launches",
		},
	)
)
