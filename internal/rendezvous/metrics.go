// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package rendezvous

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	datagramsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dhtmsg_datagrams_received_total",
		Help: "UDP datagrams received on hello socket",
	})

	datagramsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dhtmsg_datagrams_dropped_total",
		Help: "UDP datagrams dropped without reply",
	}, []string{"reason"})

	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dhtmsg_messages_sent_total",
		Help: "hello messages sent, by kind",
	}, []string{"kind"})

	dhtOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dhtmsg_dht_operations_total",
		Help: "DHT bootstrap/announce/lookup calls, by result",
	}, []string{"op", "result"})

	candidatesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dhtmsg_candidates",
		Help: "endpoints discovered by DHT lookup",
	})
)

func init() {
	prometheus.MustRegister(datagramsReceived, datagramsDropped, messagesSent, dhtOperations, candidatesTotal)
}

func observeDHT(op string, err error) {
	if err != nil {
		dhtOperations.WithLabelValues(op, "error").Inc()
		return
	}

	dhtOperations.WithLabelValues(op, "ok").Inc()
}
