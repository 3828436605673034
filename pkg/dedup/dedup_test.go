package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/parley/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAccept_RepeatWithinWindow(t *testing.T) {
	d := New(5 * time.Second)

	assert.True(t, d.Accept("f", t0))
	assert.False(t, d.Accept("f", t0.Add(time.Second)))
	assert.True(t, d.Accept("f", t0.Add(5*time.Second)), "window elapsed")
}

func TestAccept_RepeatDoesNotExtendWindow(t *testing.T) {
	d := New(5 * time.Second)

	require.True(t, d.Accept("f", t0))
	require.False(t, d.Accept("f", t0.Add(4*time.Second)))
	assert.True(t, d.Accept("f", t0.Add(6*time.Second)))
}

func TestAccept_DistinctFingerprints(t *testing.T) {
	d := New(time.Minute)
	assert.True(t, d.Accept("a", t0))
	assert.True(t, d.Accept("b", t0))
	assert.Equal(t, 2, d.Size())
}

func TestAccept_ConcurrentSingleWinner(t *testing.T) {
	d := New(time.Minute)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Accept("same", t0) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestSweep(t *testing.T) {
	d := New(5 * time.Second)
	for i := 0; i < 10; i++ {
		d.Accept(fmt.Sprintf("old-%d", i), t0)
	}
	d.Accept("fresh", t0.Add(4*time.Second))

	assert.Equal(t, 10, d.Sweep(t0.Add(5*time.Second)))
	assert.Equal(t, 1, d.Size())
	assert.False(t, d.Accept("fresh", t0.Add(5*time.Second)))
}

func TestStartSweeper(t *testing.T) {
	d := New(time.Millisecond)
	d.Accept("x", time.Now().Add(-time.Hour))

	require.NoError(t, d.StartSweeper("@every 1s"))
	defer d.Stop()
	assert.Error(t, d.StartSweeper("@every 1s"))

	assert.Eventually(t, func() bool { return d.Size() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestStartSweeperInvalidSchedule(t *testing.T) {
	d := New(time.Second)
	assert.Error(t, d.StartSweeper("whenever"))
	assert.NoError(t, d.StartSweeper(""))
	d.Stop()
}

func TestAcceptRecordsMetrics(t *testing.T) {
	m := metrics.NewMetrics()
	d := New(time.Second, WithMetrics(m))

	d.Accept("a", t0)
	d.Accept("a", t0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupDecisionsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupDecisionsTotal.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupEntries))
}

func TestContentFingerprinter(t *testing.T) {
	fp := ContentFingerprinter{Bucket: time.Second}
	base := Identity{SessionID: "chat:1", Sender: "42", Content: "hello", Timestamp: t0}

	assert.Equal(t, fp.Fingerprint(base), fp.Fingerprint(base))

	sameBucket := base
	sameBucket.Timestamp = t0.Add(300 * time.Millisecond)
	assert.Equal(t, fp.Fingerprint(base), fp.Fingerprint(sameBucket))

	for name, mutate := range map[string]func(*Identity){
		"session":  func(i *Identity) { i.SessionID = "chat:2" },
		"sender":   func(i *Identity) { i.Sender = "43" },
		"content":  func(i *Identity) { i.Content = "hello!" },
		"bucket":   func(i *Identity) { i.Timestamp = t0.Add(2 * time.Second) },
		"boundary": func(i *Identity) { i.SessionID = "chat:14"; i.Sender = "2" },
	} {
		t.Run(name, func(t *testing.T) {
			other := base
			mutate(&other)
			assert.NotEqual(t, fp.Fingerprint(base), fp.Fingerprint(other))
		})
	}

	noBucket := ContentFingerprinter{}
	later := base
	later.Timestamp = t0.Add(time.Hour)
	assert.Equal(t, noBucket.Fingerprint(base), noBucket.Fingerprint(later))
}

func TestMessageIDFingerprinter(t *testing.T) {
	fp := NewFingerprinter("message_id", 0)

	a := Identity{SessionID: "chat:1", MessageID: "7", Content: "hi"}
	b := Identity{SessionID: "chat:1", MessageID: "7", Content: "edited"}
	c := Identity{SessionID: "chat:2", MessageID: "7", Content: "hi"}
	assert.Equal(t, fp.Fingerprint(a), fp.Fingerprint(b))
	assert.NotEqual(t, fp.Fingerprint(a), fp.Fingerprint(c))

	noID := Identity{SessionID: "chat:1", Content: "hi"}
	assert.Equal(t, ContentFingerprinter{}.Fingerprint(noID), fp.Fingerprint(noID))
}

func TestFingerprintFunc(t *testing.T) {
	var fp Fingerprinter = FingerprintFunc(func(id Identity) string { return id.Sender })
	assert.Equal(t, "bob", fp.Fingerprint(Identity{Sender: "bob"}))
}
