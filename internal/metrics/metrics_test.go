package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetConnectionStateIsExclusive(t *testing.T) {
	SetConnectionState("open")
	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectionState.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ConnectionState.WithLabelValues("closed")))

	SetConnectionState("closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(ConnectionState.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectionState.WithLabelValues("closed")))
}

func TestObserveUploadCountsFailures(t *testing.T) {
	before := testutil.ToFloat64(UploadFailures)
	ObserveUpload(time.Now(), errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(UploadFailures))

	ObserveUpload(time.Now(), nil)
	assert.Equal(t, before+1, testutil.ToFloat64(UploadFailures))
}
