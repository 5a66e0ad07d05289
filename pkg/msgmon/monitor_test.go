package msgmon_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/msgmon/internal/fakeprovider"
	"github.com/nspcc-dev/msgmon/pkg/msgmon"
	"github.com/nspcc-dev/msgmon/pkg/msgmon/policy"
	"github.com/nspcc-dev/msgmon/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

const farFuture = uint32(4000000000)

func newTestMonitor(t *testing.T, cfg msgmon.Config) (*msgmon.Monitor, *fakeprovider.Provider) {
	fp := fakeprovider.New()
	m := msgmon.New(fp, cfg, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	return m, fp
}

func testParams(i byte) msgmon.MessageMonitoringParams {
	return msgmon.MessageMonitoringParams{
		Body:      []byte{'m', 's', 'g', i},
		WaitUntil: farFuture,
	}
}

func hashOf(p msgmon.MessageMonitoringParams) util.Uint256 {
	return msgmon.MessageHash(p.Body)
}

func finalized(p msgmon.MessageMonitoringParams) msgmon.MessageMonitoringResult {
	return msgmon.MessageMonitoringResult{Hash: hashOf(p), Status: msgmon.Finalized}
}

func hashes(res []msgmon.MessageMonitoringResult) []util.Uint256 {
	hs := make([]util.Uint256, 0, len(res))
	for _, r := range res {
		hs = append(hs, r.Hash)
	}
	return hs
}

func TestMonitorNoMissedWakeup(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a := testParams(1)

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a}))
	require.Equal(t, 1, fp.Deliver(finalized(a)))

	res, err := m.WaitFor(ctx, "q1", msgmon.NoWait, 0)
	require.NoError(t, err)
	require.Equal(t, []msgmon.MessageMonitoringResult{finalized(a)}, res)

	// Fetched results are gone.
	res, err = m.WaitFor(ctx, "q1", msgmon.NoWait, 0)
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestMonitorExhaustiveDelivery(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()

	var params []msgmon.MessageMonitoringParams
	for i := 0; i < 20; i++ {
		params = append(params, testParams(byte(i)))
	}
	require.NoError(t, m.Monitor(ctx, "q1", params[:10]))
	require.NoError(t, m.Monitor(ctx, "q1", params[5:]))

	var wg sync.WaitGroup
	for _, p := range params {
		wg.Add(2)
		for j := 0; j < 2; j++ {
			go func(p msgmon.MessageMonitoringParams) {
				defer wg.Done()
				fp.Deliver(finalized(p))
			}(p)
		}
	}
	res, err := m.WaitFor(ctx, "q1", msgmon.All, 0)
	require.NoError(t, err)
	wg.Wait()

	expected := make([]util.Uint256, 0, len(params))
	for _, p := range params {
		expected = append(expected, hashOf(p))
	}
	require.ElementsMatch(t, expected, hashes(res))

	res, err = m.WaitFor(ctx, "q1", msgmon.NoWait, 0)
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestMonitorAllBlocking(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a, b := testParams(1), testParams(2)

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a, b}))

	var (
		res  []msgmon.MessageMonitoringResult
		err  error
		done = make(chan struct{})
	)
	go func() {
		res, err = m.WaitFor(ctx, "q1", msgmon.All, 0)
		close(done)
	}()

	fp.Deliver(finalized(b))
	select {
	case <-done:
		t.Fatal("returned before all messages are resolved")
	case <-time.After(50 * time.Millisecond):
	}
	fp.Deliver(finalized(a))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter is not woken up")
	}
	require.NoError(t, err)
	require.Equal(t, []util.Uint256{hashOf(b), hashOf(a)}, hashes(res))
}

func TestMonitorConcurrentWaiters(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a, b := testParams(1), testParams(2)

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a, b}))

	var (
		wg   sync.WaitGroup
		lock sync.Mutex
		got  []util.Uint256
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.WaitFor(ctx, "q1", msgmon.AtLeastOne, 200*time.Millisecond)
			assert.NoError(t, err)
			lock.Lock()
			got = append(got, hashes(res)...)
			lock.Unlock()
		}()
	}
	time.Sleep(20 * time.Millisecond)
	fp.Deliver(finalized(a))
	wg.Wait()
	require.Equal(t, []util.Uint256{hashOf(a)}, got)
}

func TestMonitorAtLeastOneDrainedQueue(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a, b := testParams(1), testParams(2)

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a}))
	fp.Deliver(finalized(a))
	res, err := m.WaitFor(ctx, "q1", msgmon.NoWait, 0)
	require.NoError(t, err)
	require.Equal(t, []util.Uint256{hashOf(a)}, hashes(res))

	// Nothing is pending or buffered, the waiter sleeps until b is resolved.
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err = m.WaitFor(ctx, "q1", msgmon.AtLeastOne, 5*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("waiter returned without results")
	default:
	}
	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{b}))
	fp.Deliver(finalized(b))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter is not woken up")
	}
	require.NoError(t, err)
	require.Equal(t, []util.Uint256{hashOf(b)}, hashes(res))
}

func TestMonitorAtLeastOneUnknownQueue(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a := testParams(1)

	start := time.Now()
	res, err := m.WaitFor(ctx, "q1", msgmon.AtLeastOne, 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, res)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	// The queue is created by the waiter.
	require.Equal(t, []string{"q1"}, m.Queues())

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err = m.WaitFor(ctx, "q2", msgmon.AtLeastOne, 5*time.Second)
	}()
	require.Eventually(t, func() bool { return len(m.Queues()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Monitor(ctx, "q2", []msgmon.MessageMonitoringParams{a}))
	fp.Deliver(finalized(a))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter is not woken up")
	}
	require.NoError(t, err)
	require.Equal(t, []util.Uint256{hashOf(a)}, hashes(res))
}

func TestMonitorTimeoutPartial(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a, b := testParams(1), testParams(2)

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a, b}))
	fp.Deliver(finalized(a))

	res, err := m.WaitFor(ctx, "q1", msgmon.All, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []util.Uint256{hashOf(a)}, hashes(res))

	info, err := m.QueueInfo("q1")
	require.NoError(t, err)
	require.Equal(t, msgmon.MonitoringQueueInfo{Queue: "q1", Unresolved: 1}, info)
}

func TestMonitorContextDone(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	a, b := testParams(1), testParams(2)

	require.NoError(t, m.Monitor(context.Background(), "q1", []msgmon.MessageMonitoringParams{a, b}))
	fp.Deliver(finalized(a))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.WaitFor(ctx, "q1", msgmon.All, 0)
	require.ErrorIs(t, err, msgmon.ErrContextDone)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Results are kept.
	res, err := m.WaitFor(context.Background(), "q1", msgmon.NoWait, 0)
	require.NoError(t, err)
	require.Equal(t, []util.Uint256{hashOf(a)}, hashes(res))
}

func TestMonitorInvalidData(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()

	require.NoError(t, m.Monitor(ctx, "q1", nil))
	require.Empty(t, m.Queues())

	bad := []msgmon.MessageMonitoringParams{testParams(1), {WaitUntil: farFuture}}
	require.ErrorIs(t, m.Monitor(ctx, "q1", bad), msgmon.ErrInvalidMessageData)

	wrongHash := testParams(2)
	wrongHash.Hash = hashOf(testParams(3))
	require.ErrorIs(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{wrongHash}), msgmon.ErrInvalidMessageData)

	badData := testParams(4)
	badData.UserData = json.RawMessage(`{`)
	require.ErrorIs(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{badData}), msgmon.ErrInvalidMessageData)

	require.Empty(t, m.Queues())
	require.Equal(t, 0, fp.SubscribeCalls())
}

func TestMonitorSubscribeFailure(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a, b := testParams(1), testParams(2)
	boom := errors.New("boom")

	fp.FailSubscribe(boom)
	err := m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a})
	require.ErrorIs(t, err, msgmon.ErrProviderSubscribeFailed)
	require.ErrorIs(t, err, boom)
	info, err := m.QueueInfo("q1")
	require.NoError(t, err)
	require.Equal(t, uint32(0), info.Unresolved)

	fp.FailSubscribe(nil)
	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a}))

	// a is covered already, only b is rolled back.
	fp.FailSubscribe(boom)
	require.ErrorIs(t, m.Monitor(ctx, "q2", []msgmon.MessageMonitoringParams{a, b}), msgmon.ErrProviderSubscribeFailed)
	info, err = m.QueueInfo("q2")
	require.NoError(t, err)
	require.Equal(t, uint32(1), info.Unresolved)

	fp.Deliver(finalized(a), finalized(b))
	res, err := m.WaitFor(ctx, "q2", msgmon.All, 0)
	require.NoError(t, err)
	require.Equal(t, []util.Uint256{hashOf(a)}, hashes(res))
}

func TestMonitorSharedHash(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a := testParams(1)
	a.UserData = json.RawMessage(`"first"`)
	a2 := a
	a2.UserData = json.RawMessage(`"second"`)

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a}))
	require.NoError(t, m.Monitor(ctx, "q2", []msgmon.MessageMonitoringParams{a2, a2}))
	require.Equal(t, 1, fp.SubscribeCalls())
	require.Equal(t, []string{"q1", "q2"}, m.Queues())

	fp.Deliver(finalized(a))
	for q, data := range map[string]string{"q1": `"first"`, "q2": `"second"`} {
		res, err := m.WaitFor(ctx, q, msgmon.All, 0)
		require.NoError(t, err)
		require.Len(t, res, 1)
		require.Equal(t, hashOf(a), res[0].Hash)
		require.JSONEq(t, data, string(res[0].UserData))
	}
	require.Eventually(t, func() bool { return fp.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMonitorIntermediateStatus(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a, b := testParams(1), testParams(2)

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a, b}))
	fp.Deliver(msgmon.MessageMonitoringResult{Hash: hashOf(a), Status: msgmon.IncludedIntoBlock})

	res, err := m.WaitFor(ctx, "q1", msgmon.NoWait, 0)
	require.NoError(t, err)
	require.Empty(t, res)

	fp.Deliver(
		msgmon.MessageMonitoringResult{Hash: hashOf(b), Status: msgmon.IncludedIntoBlock, Error: "exit code 13"},
		msgmon.MessageMonitoringResult{Hash: hashOf(a), Status: msgmon.Finalized, Transaction: &msgmon.MessageMonitoringTransaction{
			Compute: &msgmon.MessageMonitoringTransactionCompute{Success: true},
		}},
	)
	res, err = m.WaitFor(ctx, "q1", msgmon.All, 0)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, hashOf(b), res[0].Hash)
	require.ErrorIs(t, res[0].Err(), msgmon.ErrProviderCallback)
	require.Equal(t, hashOf(a), res[1].Hash)
	require.NoError(t, res[1].Err())
	require.True(t, res[1].Transaction.Compute.Success)
}

func TestMonitorSynchronousDelivery(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a := testParams(1)

	// Nobody's subscribed yet, but the provider remembers the result.
	require.Equal(t, 0, fp.Deliver(finalized(a)))
	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a}))

	res, err := m.WaitFor(ctx, "q1", msgmon.NoWait, 0)
	require.NoError(t, err)
	require.Equal(t, []util.Uint256{hashOf(a)}, hashes(res))
	require.Eventually(t, func() bool { return fp.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMonitorUnknownResults(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a, b := testParams(1), testParams(2)

	res, err := m.WaitFor(ctx, "nope", msgmon.NoWait, 0)
	require.NoError(t, err)
	require.Empty(t, res)
	info, err := m.QueueInfo("nope")
	require.NoError(t, err)
	require.Equal(t, msgmon.MonitoringQueueInfo{Queue: "nope"}, info)
	require.Empty(t, m.Queues())

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a}))
	require.NoError(t, m.Cancel(ctx, "q1"))
	// Late delivery to the unsubscribed subscription.
	require.Equal(t, 1, fp.DeliverLate(finalized(a), finalized(b)))
	require.Empty(t, m.Queues())
}

func TestMonitorCancel(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	a, b := testParams(1), testParams(2)

	require.NoError(t, m.Cancel(ctx, "q1"))

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a}))
	require.NoError(t, m.Monitor(ctx, "q2", []msgmon.MessageMonitoringParams{a, b}))
	require.Equal(t, 2, fp.Active())

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := m.WaitFor(ctx, "q1", msgmon.All, 0)
		assert.NoError(t, err)
		assert.Empty(t, res)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Cancel(ctx, "q1"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter is not woken up")
	}
	// a is still monitored by q2.
	require.Equal(t, 2, fp.Active())
	require.Equal(t, []string{"q2"}, m.Queues())

	require.NoError(t, m.Cancel(ctx, "q2"))
	require.Equal(t, 0, fp.Active())
	require.Empty(t, m.Queues())
}

func TestMonitorCancelUnsubscribeFailure(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{})
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{testParams(1)}))
	fp.FailUnsubscribe(boom)
	err := m.Cancel(ctx, "q1")
	require.ErrorIs(t, err, msgmon.ErrProviderUnsubscribeFailed)
	require.ErrorIs(t, err, boom)
	require.Empty(t, m.Queues())
	fp.FailUnsubscribe(nil)
}

func TestMonitorClose(t *testing.T) {
	fp := fakeprovider.New()
	m := msgmon.New(fp, msgmon.Config{}, zaptest.NewLogger(t))
	ctx := context.Background()
	a, b := testParams(1), testParams(2)

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a}))
	require.NoError(t, m.Monitor(ctx, "q2", []msgmon.MessageMonitoringParams{b}))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.WaitFor(ctx, "q1", msgmon.All, 0)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.Close()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, msgmon.ErrMonitorClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter is not woken up")
	}
	require.Equal(t, 0, fp.Active())

	// Callbacks after close are discarded.
	require.Equal(t, 2, fp.DeliverLate(finalized(a), finalized(b)))

	require.ErrorIs(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a}), msgmon.ErrMonitorClosed)
	_, err := m.WaitFor(ctx, "q1", msgmon.NoWait, 0)
	require.ErrorIs(t, err, msgmon.ErrMonitorClosed)
	_, err = m.QueueInfo("q1")
	require.ErrorIs(t, err, msgmon.ErrMonitorClosed)
	require.ErrorIs(t, m.Cancel(ctx, "q1"), msgmon.ErrMonitorClosed)
	require.Empty(t, m.Queues())
	m.Close()
}

func TestMonitorExpiration(t *testing.T) {
	const base = 1700000000

	clock := atomic.NewInt64(time.Unix(base, 0).UnixNano())
	m, fp := newTestMonitor(t, msgmon.Config{
		ExpirationCheckInterval: 5 * time.Millisecond,
		Now:                     func() time.Time { return time.Unix(0, clock.Load()) },
	})
	ctx := context.Background()
	a, b, c := testParams(1), testParams(2), testParams(3)
	a.WaitUntil = base + 10
	b.WaitUntil = base + 10
	c.WaitUntil = base + 20

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a, b, c}))
	fp.Deliver(finalized(a))

	done := make(chan []msgmon.MessageMonitoringResult)
	go func() {
		res, err := m.WaitFor(ctx, "q1", msgmon.All, 0)
		assert.NoError(t, err)
		done <- res
	}()

	clock.Store(time.Unix(base+10, 0).UnixNano())
	time.Sleep(20 * time.Millisecond)
	info, err := m.QueueInfo("q1")
	require.NoError(t, err)
	require.Equal(t, uint32(2), info.Unresolved)

	clock.Store(time.Unix(base+11, 0).UnixNano())
	require.Eventually(t, func() bool {
		info, err := m.QueueInfo("q1")
		return err == nil && info.Unresolved == 1
	}, time.Second, 5*time.Millisecond)

	clock.Store(time.Unix(base+21, 0).UnixNano())
	var res []msgmon.MessageMonitoringResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter is not woken up")
	}
	require.Equal(t, []msgmon.MessageMonitoringResult{
		finalized(a),
		{Hash: hashOf(b), Status: msgmon.Timeout},
		{Hash: hashOf(c), Status: msgmon.Timeout},
	}, res)
	require.Eventually(t, func() bool { return fp.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMonitorResend(t *testing.T) {
	m, fp := newTestMonitor(t, msgmon.Config{
		ExpirationCheckInterval: 5 * time.Millisecond,
		ExpirationRetry:         policy.Policy{Limit: 2, Interval: 10 * time.Millisecond},
	})
	ctx := context.Background()
	a := testParams(1)
	b := msgmon.MessageMonitoringParams{Hash: hashOf(testParams(2)), WaitUntil: farFuture}

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a, b}))
	require.Eventually(t, func() bool { return len(fp.Resent()) >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	resent := fp.Resent()
	require.Len(t, resent, 2)
	for _, p := range resent {
		require.Equal(t, a.Body, p.Body)
		require.Equal(t, hashOf(a), p.Hash)
	}
}

func TestMonitorLazyExpiration(t *testing.T) {
	const base = 1700000000

	clock := atomic.NewInt64(time.Unix(base, 0).UnixNano())
	m, _ := newTestMonitor(t, msgmon.Config{
		ExpirationCheckInterval: time.Hour,
		Now:                     func() time.Time { return time.Unix(0, clock.Load()) },
	})
	ctx := context.Background()
	a := testParams(1)
	a.WaitUntil = base + 1
	a.UserData = json.RawMessage(`{"n":1}`)

	require.NoError(t, m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{a}))
	res, err := m.WaitFor(ctx, "q1", msgmon.NoWait, 0)
	require.NoError(t, err)
	require.Empty(t, res)

	clock.Store(time.Unix(base+2, 0).UnixNano())
	res, err = m.WaitFor(ctx, "q1", msgmon.NoWait, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, msgmon.Timeout, res[0].Status)
	require.JSONEq(t, `{"n":1}`, string(res[0].UserData))
}

func TestMonitorSubscribeContext(t *testing.T) {
	m, _ := newTestMonitor(t, msgmon.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Monitor(ctx, "q1", []msgmon.MessageMonitoringParams{testParams(1)})
	require.ErrorIs(t, err, msgmon.ErrProviderSubscribeFailed)
	require.ErrorIs(t, err, context.Canceled)
	info, err := m.QueueInfo("q1")
	require.NoError(t, err)
	require.Equal(t, uint32(0), info.Unresolved)
}
