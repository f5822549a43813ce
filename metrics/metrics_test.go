package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBatchesCommittedTotal_Increment(t *testing.T) {
	before := testutil.ToFloat64(BatchesCommittedTotal.WithLabelValues("users", "p-m1"))
	BatchesCommittedTotal.WithLabelValues("users", "p-m1").Inc()
	after := testutil.ToFloat64(BatchesCommittedTotal.WithLabelValues("users", "p-m1"))

	assert.Equal(t, before+1, after)
}

func TestLeaseCounters_Increment(t *testing.T) {
	acquired := testutil.ToFloat64(LeasesAcquiredTotal)
	lost := testutil.ToFloat64(LeaseRacesLostTotal)

	IncLeasesAcquired()
	IncLeaseRacesLost()
	IncLeaseRacesLost()

	assert.Equal(t, acquired+1, testutil.ToFloat64(LeasesAcquiredTotal))
	assert.Equal(t, lost+2, testutil.ToFloat64(LeaseRacesLostTotal))
}

func TestActiveRunners_StartStop(t *testing.T) {
	before := testutil.ToFloat64(ActiveRunners)

	RunnerStarted()
	RunnerStarted()
	assert.Equal(t, before+2, testutil.ToFloat64(ActiveRunners))

	RunnerStopped()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveRunners))
	RunnerStopped()
}

func TestRunBatchDuration_Observe(t *testing.T) {
	RunBatchDuration.WithLabelValues("users", "p-m2").Observe(0.5)
	count := testutil.CollectAndCount(RunBatchDuration)

	assert.Greater(t, count, 0)
}
