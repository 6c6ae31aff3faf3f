package connmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/protofuzz/pkg/ferrors"
	"github.com/google/protofuzz/pkg/plog"
	"github.com/google/protofuzz/pkg/transport"
)

// Stats tracks byte/op counters for a ManagedTransport (spec §4.6
// "Managed transport... statistics").
type Stats struct {
	BytesIn   atomic.Int64
	BytesOut  atomic.Int64
	OpsIn     atomic.Int64
	OpsOut    atomic.Int64
	LastSend  atomic.Int64 // unix nanos
	LastRecv  atomic.Int64
}

// ManagedTransport wraps a raw transport.Transport with health tracking,
// statistics, and a send mutex serializing concurrent callers (fuzz loop
// and heartbeat scheduler on the same connection).
type ManagedTransport struct {
	t    transport.Transport
	cfg  Config
	boot RebootstrapFunc

	sendMu sync.Mutex

	connected atomic.Bool
	healthy   atomic.Bool

	Stats Stats

	unsolicitedMu sync.Mutex
	unsolicited   [][]byte
}

func newManagedTransport(t transport.Transport, cfg Config, boot RebootstrapFunc) *ManagedTransport {
	mt := &ManagedTransport{t: t, cfg: cfg, boot: boot}
	mt.connected.Store(true)
	mt.healthy.Store(true)
	return mt
}

func (mt *ManagedTransport) Healthy() bool   { return mt.healthy.Load() }
func (mt *ManagedTransport) Connected() bool { return mt.connected.Load() }

// SendWithLock acquires the send mutex, sends payload, then reads replies
// until match accepts one or timeout elapses. A nil match accepts the
// first reply (the sequential strategy's default behavior).
func (mt *ManagedTransport) SendWithLock(payload []byte, timeout time.Duration, match Matcher) ([]byte, error) {
	mt.sendMu.Lock()
	defer mt.sendMu.Unlock()

	if match == nil {
		match = alwaysMatch
	}
	if err := mt.t.Send(payload); err != nil {
		mt.markUnhealthy()
		return nil, err
	}
	mt.Stats.BytesOut.Add(int64(len(payload)))
	mt.Stats.OpsOut.Add(1)
	mt.Stats.LastSend.Store(time.Now().UnixNano())

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ferrors.New(ferrors.KindReceiveTimeout, "no matching reply before deadline", nil)
		}
		resp, err := mt.t.Recv(remaining)
		if err != nil {
			mt.markUnhealthy()
			return nil, err
		}
		mt.Stats.BytesIn.Add(int64(len(resp)))
		mt.Stats.OpsIn.Add(1)
		mt.Stats.LastRecv.Store(time.Now().UnixNano())

		if match(resp) {
			if mt.cfg.Mode == ModePerTest {
				mt.Close()
			}
			return resp, nil
		}
		mt.handleUnsolicited(resp)
	}
}

func (mt *ManagedTransport) handleUnsolicited(resp []byte) {
	switch mt.cfg.Unsolicited {
	case UnsolicitedQueue:
		mt.unsolicitedMu.Lock()
		mt.unsolicited = append(mt.unsolicited, resp)
		mt.unsolicitedMu.Unlock()
	case UnsolicitedIgnore:
	default:
		plog.Logf(0, "connmgr: unsolicited message, %d bytes", len(resp))
	}
}

// Unsolicited drains the queue accumulated under the "queue" policy.
func (mt *ManagedTransport) Unsolicited() [][]byte {
	mt.unsolicitedMu.Lock()
	defer mt.unsolicitedMu.Unlock()
	out := mt.unsolicited
	mt.unsolicited = nil
	return out
}

func (mt *ManagedTransport) markUnhealthy() {
	mt.healthy.Store(false)
	mt.connected.Store(false)
}

// Reconnect replaces the underlying connection with exponential backoff,
// and re-runs bootstrap when configured to do so (spec §4.6 "Health &
// reconnect").
func (mt *ManagedTransport) Reconnect(ctx context.Context, dial func() (transport.Transport, error)) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = mt.cfg.backoffInterval()
	var policy backoff.BackOff = eb
	if mt.cfg.MaxReconnects > 0 {
		policy = backoff.WithMaxRetries(eb, uint64(mt.cfg.MaxReconnects))
	}

	err := backoff.Retry(func() error {
		raw, err := dial()
		if err != nil {
			return err
		}
		if err := raw.Connect(ctx); err != nil {
			return err
		}
		mt.t = raw
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return ferrors.Wrap(ferrors.KindConnectionAbort, err, "reconnect exhausted")
	}
	mt.connected.Store(true)
	mt.healthy.Store(true)

	if mt.cfg.OnDropRebootstrap && mt.boot != nil {
		return mt.boot(ctx)
	}
	return nil
}

func (mt *ManagedTransport) Close() error {
	mt.connected.Store(false)
	return mt.t.Close()
}
