// Package metrics exposes prometheus collectors for the softphone
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "softphone_active_calls",
		Help: "Number of calls currently held by the session controller (0 or 1)",
	})

	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softphone_login_attempts_total",
		Help: "Login attempts by result",
	}, []string{"result"})

	CallCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softphone_call_commands_total",
		Help: "Session controller commands by name and result",
	}, []string{"command", "result"})

	EngineCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softphone_engine_callbacks_total",
		Help: "Engine callbacks received by type",
	}, []string{"type"})

	BusyRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "softphone_busy_rejects_total",
		Help: "Incoming calls auto-rejected because a call was already active",
	})
)
