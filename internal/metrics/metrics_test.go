package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveTransfer(t *testing.T) {
	okBefore := testutil.ToFloat64(Transfers.WithLabelValues("test", "ok"))
	errBefore := testutil.ToFloat64(Transfers.WithLabelValues("test", "error"))
	bytesBefore := testutil.ToFloat64(TransferBytes.WithLabelValues("test"))

	ObserveTransfer("test", 42, time.Millisecond, nil)
	ObserveTransfer("test", 100, time.Millisecond, errors.New("boom"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(Transfers.WithLabelValues("test", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(Transfers.WithLabelValues("test", "error")))
	assert.Equal(t, bytesBefore+42, testutil.ToFloat64(TransferBytes.WithLabelValues("test")))
}
