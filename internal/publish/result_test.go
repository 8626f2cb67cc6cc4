package publish

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_RecordVerificationOncePerHost(t *testing.T) {
	r := NewResult("c1", []string{"a", "b"}, 3)
	assert.Equal(t, int64(2), r.VerifyInProgress())

	assert.True(t, r.RecordVerification("a", true))
	assert.False(t, r.RecordVerification("a", false), "second outcome for a host is ignored")
	assert.False(t, r.RecordVerification("unknown", true))

	assert.Equal(t, int64(1), r.Verified())
	assert.Equal(t, int64(0), r.VerifyFailed())
	assert.Equal(t, int64(1), r.VerifyInProgress())
	assert.False(t, r.Success())

	assert.True(t, r.RecordVerification("b", true))
	assert.True(t, r.Success())
}

func TestResult_ConcurrentVerificationStress(t *testing.T) {
	const hosts = 64
	const racers = 16

	names := make([]string, hosts)
	for i := range names {
		names[i] = fmt.Sprintf("host-%02d", i)
	}
	r := NewResult("c1", names, 1)

	var wg sync.WaitGroup
	for i, host := range names {
		for j := 0; j < racers; j++ {
			wg.Add(1)
			go func(ok bool) {
				defer wg.Done()
				r.RecordVerification(host, ok)
				// 中途觀察不變量
				total := r.Verified() + r.VerifyFailed() + r.VerifyInProgress()
				assert.LessOrEqual(t, total, int64(hosts))
			}((i+j)%2 == 0)
		}
	}
	wg.Wait()

	assert.Equal(t, int64(0), r.VerifyInProgress())
	assert.Equal(t, int64(hosts), r.Verified()+r.VerifyFailed())

	rec := r.Record()
	assert.Equal(t, hosts, rec.Hosts)
	assert.Equal(t, int64(0), rec.VerifyInProgressCount)
	assert.Equal(t, rec.VerifiedCount == int64(hosts), rec.Success)
}

func TestResult_Record(t *testing.T) {
	r := NewResult("c1", []string{"a", "b"}, 2)
	r.RecordTransaction("a", "tx-a")
	r.RecordError(&PublishError{Host: "b", Phase: PhaseBegin, Err: errors.New("connection refused")})
	r.RecordVerification("a", true)
	r.RecordVerification("b", false)
	r.Finish()

	rec := r.Record()
	require.Len(t, rec.Errors, 1)
	assert.Contains(t, rec.Errors[0], "b begin failed")
	assert.Equal(t, map[string]string{"a": "tx-a"}, rec.TransactionIDs)
	assert.Equal(t, int64(1), rec.VerifiedCount)
	assert.Equal(t, int64(1), rec.VerifyFailedCount)
	assert.False(t, rec.Success)
	assert.False(t, rec.EndTime.IsZero())
	assert.NotEmpty(t, rec.ID)
}
