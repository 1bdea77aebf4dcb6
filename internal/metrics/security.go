package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Security-pipeline Prometheus metrics. Standalone package para evitar
// ciclos de import entre el core y el HTTP layer.

var (
	MessagesSigned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signet_messages_signed_total",
		Help: "Mensajes firmados, por tier",
	}, []string{"tier"})

	SignLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "signet_sign_latency_ms",
		Help:    "Latencia de la operación de firma en milisegundos",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	VerifyAccepts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signet_verify_accepts_total",
		Help: "Verificaciones aceptadas en el edge",
	})

	VerifyRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signet_verify_rejects_total",
		Help: "Verificaciones rechazadas, por motivo",
	}, []string{"reason"})

	TamperSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signet_tamper_signals_total",
		Help: "Señales de tamper (firma inválida o cadena rota)",
	})

	AuditAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signet_audit_appends_total",
		Help: "Entradas agregadas al audit log",
	})

	AuditChainValid = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signet_audit_chain_valid",
		Help: "1 si la última verificación de cadena fue válida, 0 si no",
	})

	AuthorizationsGranted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signet_authorizations_total",
		Help: "Autorizaciones de approvers, por resultado",
	}, []string{"outcome"})
)

// Register registra las métricas en el registry dado (default si nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		MessagesSigned, SignLatency, VerifyAccepts, VerifyRejects,
		TamperSignals, AuditAppends, AuditChainValid, AuthorizationsGranted,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
