package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransferMetrics struct{}

func (stubTransferMetrics) RecordFileSent(string, uint64, time.Duration) {}
func (stubTransferMetrics) RecordDelete(string, string)                  {}
func (stubTransferMetrics) RecordRetry(string)                           {}
func (stubTransferMetrics) RecordConnection(string, string)              {}
func (stubTransferMetrics) RecordWorkerExit(int)                         {}
func (stubTransferMetrics) SetActiveTransfers(string, int32)             {}

func TestConstructorsReturnNilWhenDisabled(t *testing.T) {
	resetForTesting()

	RegisterTransferMetricsConstructor(func() TransferMetrics {
		return stubTransferMetrics{}
	})

	assert.Nil(t, NewTransferMetrics())
	assert.Nil(t, NewMonitorMetrics())
}

func TestConstructorRunsOnceEnabled(t *testing.T) {
	resetForTesting()
	InitRegistry()
	defer resetForTesting()

	RegisterTransferMetricsConstructor(func() TransferMetrics {
		return stubTransferMetrics{}
	})

	assert.NotNil(t, NewTransferMetrics())
}

func TestInitRegistryIsIdempotent(t *testing.T) {
	resetForTesting()
	defer resetForTesting()

	InitRegistry()
	first := GetRegistry()
	InitRegistry()

	assert.Same(t, first, GetRegistry())
}

func TestRouterServesMetricsAndHealth(t *testing.T) {
	resetForTesting()
	InitRegistry()
	defer resetForTesting()

	srv := httptest.NewServer(NewRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
