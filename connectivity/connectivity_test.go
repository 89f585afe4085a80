package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	yes, no := Bool(true), Bool(false)
	require.Equal(t, Online, Classify(yes, yes))
	require.Equal(t, Offline, Classify(yes, no))
	require.Equal(t, Offline, Classify(no, yes))
	require.Equal(t, Offline, Classify(no, no))
	require.Equal(t, Offline, Classify(no, nil))
	require.Equal(t, Unknown, Classify(nil, yes))
	require.Equal(t, Unknown, Classify(nil, no))
	require.Equal(t, Unknown, Classify(nil, nil))
	require.Equal(t, Unknown, Classify(yes, nil))
}

func TestOracleBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	oracle := NewOracle()
	oracle.Start(ctx)

	sub := oracle.Subscribe()
	require.Equal(t, Unknown, <-sub.States())

	oracle.Update(Bool(true), Bool(true))
	require.Equal(t, Online, <-sub.States())
	require.Equal(t, Online, oracle.Current())

	// same classification is not re-broadcast
	oracle.Update(Bool(true), Bool(true))
	oracle.Update(Bool(false), nil)
	require.Equal(t, Offline, <-sub.States())

	oracle.Unsubscribe(sub)
	_, ok := <-sub.States()
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func TestOracleKeepsLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	oracle := NewOracle()
	oracle.Start(ctx)

	sub := oracle.Subscribe()
	oracle.Update(Bool(true), Bool(true))
	oracle.Update(Bool(true), nil)
	oracle.Update(Bool(true), Bool(false))
	require.Equal(t, Offline, oracle.Current())
	require.Equal(t, Offline, <-sub.States())
}

func TestOracleStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	oracle := NewOracle()
	oracle.Start(ctx)
	sub := oracle.Subscribe()
	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.States():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, Unknown, oracle.Current())
}

func TestOracleNotStarted(t *testing.T) {
	oracle := NewOracle()
	yes := Bool(true)
	oracle.Update(yes, yes)
	require.Equal(t, Unknown, oracle.Current())

	_, ok := <-oracle.Subscribe().States()
	require.False(t, ok, "subscribing before Start yields a closed channel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	oracle.Start(ctx)
	oracle.Update(yes, yes)
	require.Equal(t, Online, oracle.Current())
}

type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestProbeSample(t *testing.T) {
	up := []net.Interface{{Name: "wlan0", Flags: net.FlagUp}}
	loopbackOnly := []net.Interface{{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}}

	probe := NewProbe("example.org:443", time.Second, nil)
	probe.Interfaces = func() ([]net.Interface, error) { return up, nil }
	probe.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return fakeConn{}, nil
	}
	require.Equal(t, Online, Classify(probe.Sample(context.Background())))

	probe.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("unreachable")
	}
	require.Equal(t, Offline, Classify(probe.Sample(context.Background())))

	probe.Interfaces = func() ([]net.Interface, error) { return loopbackOnly, nil }
	require.Equal(t, Offline, Classify(probe.Sample(context.Background())))

	probe.Interfaces = func() ([]net.Interface, error) { return nil, errors.New("no netlink") }
	require.Equal(t, Unknown, Classify(probe.Sample(context.Background())))
}
