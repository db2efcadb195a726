package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"attendboard/internal/metrics"
)

func TestNew(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Refreshes.WithLabelValues(metrics.ResultOK).Inc()
	m.Dialogs.WithLabelValues(metrics.OutcomeExpired).Inc()
	m.WebhookUpdates.WithLabelValues(metrics.ResultRejected).Inc()

	n, err := promtest.GatherAndCount(reg,
		"attendboard_board_refreshes_total",
		"attendboard_confirm_dialogs_total",
		"attendboard_webhook_updates_total",
	)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Unregistered collectors still work for callers that pass no registry.
	unregistered := metrics.New(nil)
	unregistered.BoardsCreated.Inc()
	require.EqualValues(t, 1, promtest.ToFloat64(unregistered.BoardsCreated))
}
