// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package gateway

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shroud/internal/mse"
)

const (
	directionIncoming = "incoming"
	directionOutgoing = "outgoing"
)

var (
	handshakeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shroud_handshakes_total",
		Help: "finished peer handshakes by direction, negotiated method and result",
	}, []string{"direction", "method", "result"})

	handshakeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shroud_handshake_duration_seconds",
		Help:    "time spent on MSE and BitTorrent handshake",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"direction"})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shroud_connections_rejected_total",
		Help: "incoming connections closed before handshake",
	}, []string{"reason"})

	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shroud_connections_count",
		Help: "connections holding a slot of the global connection limit",
	})
)

func init() {
	prometheus.MustRegister(handshakeTotal, handshakeDuration, connectionsRejected, activeConnections)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, mse.ErrHandshakeTimeout):
		return "timeout"
	case mse.IsProtocolViolation(err):
		return "violation"
	case mse.IsEncryptionError(err):
		return "rejected"
	}

	return "error"
}

func observeHandshake(direction string, start time.Time, method mse.Method, err error) {
	handshakeDuration.WithLabelValues(direction).Observe(time.Since(start).Seconds())

	m := method.String()
	if err != nil {
		m = "none"
	}

	handshakeTotal.WithLabelValues(direction, m, resultLabel(err)).Inc()
}
