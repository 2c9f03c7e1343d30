package app

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adhub/core-service/internal/domain"
)

var (
	ledgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adhub_ledger_mutations_total",
		Help: "Wallet ledger mutations by operation and result",
	}, []string{"operation", "result"})

	bindingOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adhub_binding_operations_total",
		Help: "Asset binding operations by operation and result",
	}, []string{"operation", "result"})

	reconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adhub_webhook_reconcile_total",
		Help: "Payment provider events by provider and reconciliation outcome",
	}, []string{"provider", "outcome"})

	inventorySyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adhub_inventory_sync_runs_total",
		Help: "Inventory sync runs by final status",
	}, []string{"status"})

	inventorySyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adhub_inventory_sync_duration_seconds",
		Help:    "Inventory sync run duration",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

// resultLabel collapses an error into a low-cardinality metric label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrExternalProvider):
		return "external_provider"
	case errors.Is(err, domain.ErrReconciliationMismatch):
		return "mismatch"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}
