package fqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// panicDecodeCodec is a Codec whose Decode always panics, used to
// synthesize a background-goroutine panic for TestQueue_PumpPanic_*
// without reaching into the pump's internals beyond what Append/
// notifySpill already let a same-package test do.
type panicDecodeCodec struct{}

func (panicDecodeCodec) Encode(v int) ([]byte, error) { return json.Marshal(v) }
func (panicDecodeCodec) Decode([]byte) (int, error)   { panic("decode boom") }

// TestQueue_PumpPanic_TriggersStopAndSurfacesOnFatal covers the fix to
// reportFatal: a panic recovered in a background goroutine (here, the
// pump, decoding a spilled entry) must surface on Fatal() and actually
// drive the Queue through Stop, not just log and carry on.
func TestQueue_PumpPanic_TriggersStopAndSurfacesOnFatal(t *testing.T) {
	dir := t.TempDir()
	q, err := New[int](Config[int]{
		QueuePath: dir,
		Codec:     panicDecodeCodec{},
		Consumer: ConsumerFunc[int](func(ctx context.Context, record int) Verdict {
			return Success
		}),
	})
	require.NoError(t, err)
	require.NoError(t, q.Start())
	t.Cleanup(func() { _ = q.Stop() })

	// plant a spill entry directly, bypassing Submit, so the pump is the
	// one that decodes (and panics on) it - rather than racing a worker
	// for which path a Submit-ted record takes.
	b, err := encodeEnvelope[int](panicDecodeCodec{}, Envelope[int]{Value: 1})
	require.NoError(t, err)
	_, err = q.st.Append(b)
	require.NoError(t, err)
	q.spillCount.Add(1)
	q.admission.acquireMany(1)
	q.notifySpill()

	select {
	case fatalErr := <-q.Fatal():
		require.Error(t, fatalErr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal error from the panicking pump")
	}

	require.Eventually(t, func() bool {
		return queueState(q.state.Load()) == stateStopped
	}, 2*time.Second, time.Millisecond, "reportFatal must drive the queue through Stop")
}
