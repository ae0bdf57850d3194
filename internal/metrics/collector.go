package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandshakesCompleted tracks handshake outcomes on the parcel
	// collection server (C4).
	HandshakesCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "completed_total",
			Help:      "Total number of handshakes completed, by outcome",
		},
		[]string{"outcome"}, // ok, malformed, unauthorized, error
	)

	// CollectorSessionsActive tracks currently open collection
	// sessions (C5).
	CollectorSessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "sessions_active",
			Help:      "Number of currently open parcel collection sessions",
		},
	)

	// CollectorSessionsClosed tracks session close reasons (C5).
	CollectorSessionsClosed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "sessions_closed_total",
			Help:      "Total number of parcel collection sessions closed, by close code",
		},
		[]string{"code"}, // normal, cannot_accept
	)

	// ParcelsDelivered counts ParcelDelivery frames sent to endpoints,
	// by parcel direction (C5); ACKs are counted by ParcelsAcked.
	ParcelsDelivered = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "parcels_delivered_total",
			Help:      "Total number of ParcelDelivery frames sent to endpoints",
		},
		[]string{"direction"}, // parcelstore.Direction value: FROM_INTERNET_TO_ENDPOINT
	)

	// ParcelsAcked tracks delivery acknowledgements processed.
	ParcelsAcked = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "parcels_acked_total",
			Help:      "Total number of parcel ACKs processed and applied (parcel deleted)",
		},
	)

	// RegistrationAttempts tracks registrar round-trips (C7).
	RegistrationAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registrar",
			Name:      "attempts_total",
			Help:      "Total number of gateway registration attempts, by outcome",
		},
		[]string{"outcome"}, // success, failure, skipped_idempotent
	)

	// CourierCargoesCollected tracks inbound cargoes ingested during
	// phase 1 of a courier sync (C8).
	CourierCargoesCollected = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "courier",
			Name:      "cargoes_collected_total",
			Help:      "Total number of inbound cargoes processed during collection, by outcome",
		},
		[]string{"outcome"}, // ok, malformed, unauthorized, decrypt_failed
	)

	// CourierCargoesDelivered tracks outbound cargoes streamed during
	// phase 2 of a courier sync (C8).
	CourierCargoesDelivered = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "courier",
			Name:      "cargoes_delivered_total",
			Help:      "Total number of outbound cargoes streamed to the courier",
		},
	)

	// CourierSyncRuns tracks whole-sync outcomes mapped to exit codes
	// (C8).
	CourierSyncRuns = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "courier",
			Name:      "sync_runs_total",
			Help:      "Total number of courier sync subprocess runs, by exit code",
		},
		[]string{"exit_code"},
	)
)
