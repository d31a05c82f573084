// Package metrics exposes Prometheus instrumentation for rounds, the
// ledger and client sessions.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_rounds_total",
			Help: "Finished rounds by tier and outcome status",
		},
		[]string{"tier", "status"},
	)

	numbersCalled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_numbers_called_total",
			Help: "Numbers drawn by tier",
		},
		[]string{"tier"},
	)

	reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_reservations_total",
			Help: "Reservation commands by tier and result",
		},
		[]string{"tier", "result"},
	)

	roundPlayers = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bingo_round_players",
			Help:    "Players per round when reservation closes",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"tier"},
	)

	payoutAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_payout_amount_total",
			Help: "Paid out pot in minor units by tier",
		},
		[]string{"tier"},
	)

	ledgerOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bingo_ledger_operations_total",
			Help: "Ledger mutations by operation and result",
		},
		[]string{"op", "result"},
	)

	ledgerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bingo_ledger_operation_duration_ms",
			Help:    "Ledger mutation duration in milliseconds including retries",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"op"},
	)

	sessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bingo_sessions",
			Help: "Connected sessions by tier",
		},
		[]string{"tier"},
	)
)

// Ledger results.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

func tierLabel(tier int64) string {
	return strconv.FormatInt(tier, 10)
}

// RecordRound counts a finished round.
func RecordRound(tier int64, status string, players int) {
	roundsTotal.WithLabelValues(tierLabel(tier), status).Inc()
	if players > 0 {
		roundPlayers.WithLabelValues(tierLabel(tier)).Observe(float64(players))
	}
}

// RecordCall counts one drawn number.
func RecordCall(tier int64) {
	numbersCalled.WithLabelValues(tierLabel(tier)).Inc()
}

// RecordReservation counts a select_number outcome such as "reserved",
// "released" or an error code.
func RecordReservation(tier int64, result string) {
	reservations.WithLabelValues(tierLabel(tier), result).Inc()
}

// RecordPayout adds a credited pot.
func RecordPayout(tier int64, amount int64) {
	payoutAmount.WithLabelValues(tierLabel(tier)).Add(float64(amount))
}

// RecordLedger records one ledger mutation.
func RecordLedger(op, result string, started time.Time) {
	ledgerOps.WithLabelValues(op, result).Inc()
	ledgerDuration.WithLabelValues(op).Observe(float64(time.Since(started).Milliseconds()))
}

// SessionOpened and SessionClosed track the connected session gauge.
func SessionOpened(tier int64) { sessions.WithLabelValues(tierLabel(tier)).Inc() }

func SessionClosed(tier int64) { sessions.WithLabelValues(tierLabel(tier)).Dec() }
