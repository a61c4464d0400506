// ABOUTME: Clock-offset estimation between the local process and a peer
// ABOUTME: Periodic timing probes feed a median-filtered delta window
package peer

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/clock"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/protocol"
)

const (
	// TimekeeperRefreshInterval spaces the periodic timing probes.
	TimekeeperRefreshInterval = 100 * time.Millisecond

	// TimesyncInitRequestCount probes are fired in a burst when the
	// peer connects, so the delta window fills quickly. The same count
	// is the fill level at which the peer counts as synchronized.
	TimesyncInitRequestCount = 10

	// timesyncInitRequestSpacing separates the burst probes.
	timesyncInitRequestSpacing = 10 * time.Millisecond

	// MsDiffToUpdateTimeDelta is the hysteresis threshold: the
	// committed delta only moves when the window median strays further
	// than this from it.
	MsDiffToUpdateTimeDelta = 5.0
)

// startTimekeeper schedules the periodic probe for the lifetime of the
// link. Runs from link creation; the local peer never probes.
func (p *Peer) startTimekeeper() {
	if p.isLocal {
		return
	}
	go func() {
		ticker := time.NewTicker(TimekeeperRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				p.sendTimekeepRequest()
			}
		}
	}()
}

// timekeepBurst fires n probes spaced closely together, used on the
// Connecting -> Connected transition.
func (p *Peer) timekeepBurst(n int) {
	go func() {
		for i := 0; i < n; i++ {
			p.sendTimekeepRequest()
			select {
			case <-p.done:
				return
			case <-time.After(timesyncInitRequestSpacing):
			}
		}
	}()
}

func (p *Peer) sendTimekeepRequest() {
	req := protocol.TimekeepRequest{SentAt: clock.Now()}
	if err := p.send(protocol.TypeTimekeepRequest, req); err != nil {
		log.Printf("Peer %s: timekeep request failed: %v", p.logName(), err)
	}
}

// handleTimekeepResponse folds one reflected probe into the delta
// window. Delay is assumed symmetric, so the peer is taken to have
// received the probe halfway through the round trip.
func (p *Peer) handleTimekeepResponse(resp protocol.TimekeepResponse, receivedAt float64) {
	roundtrip := receivedAt - resp.SentAt
	peerReceivedAt := resp.SentAt + roundtrip/2
	deltaSample := resp.RespondedAt - peerReceivedAt

	p.mu.Lock()
	p.deltaRing.Push(deltaSample)

	var updated bool
	var committed float64
	if p.deltaRing.Full(TimesyncInitRequestCount) {
		realDelta := p.deltaRing.Median()
		if math.Abs(realDelta-p.timeDelta) > MsDiffToUpdateTimeDelta {
			p.timeDelta = realDelta
			committed = realDelta
			updated = true
		}
	}

	var deltaListeners []func(float64)
	if updated {
		deltaListeners = make([]func(float64), 0, len(p.deltaListeners))
		for _, fn := range p.deltaListeners {
			deltaListeners = append(deltaListeners, fn)
		}
	}
	syncListeners := make([]func(), 0, len(p.syncListeners))
	for _, fn := range p.syncListeners {
		syncListeners = append(syncListeners, fn)
	}
	p.mu.Unlock()

	if updated {
		log.Printf("Peer %s: time delta committed at %.2fms (sample rtt %.2fms)",
			p.logName(), committed, roundtrip)
		p.emit(func() {
			for _, fn := range deltaListeners {
				fn(committed)
			}
		})
	}
	// Sync-state watchers are told about every sample so first-sync
	// waiters can observe completion.
	p.emit(func() {
		for _, fn := range syncListeners {
			fn()
		}
	})
}

// OnTimedeltaUpdated registers a listener for committed delta changes.
func (p *Peer) OnTimedeltaUpdated(fn func(float64)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextListener
	p.nextListener++
	p.deltaListeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.deltaListeners, id)
	}
}

// OnTimesyncStateUpdated registers a listener fired after every
// processed timing sample.
func (p *Peer) OnTimesyncStateUpdated(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextListener
	p.nextListener++
	p.syncListeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.syncListeners, id)
	}
}

// TimeDelta returns the committed clock offset in milliseconds.
func (p *Peer) TimeDelta() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeDelta
}

// CurrentTime estimates the peer's clock. The precise variant reads
// the live window median; otherwise the committed delta is applied.
// The local peer's delta is zero by construction.
func (p *Peer) CurrentTime(precise bool) float64 {
	if p.isLocal {
		return clock.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if precise {
		return clock.Now() + p.deltaRing.Median()
	}
	return clock.Now() + p.timeDelta
}

// IsTimeSynchronized reports whether enough probes have been
// reflected to trust CurrentTime. Always true for the local peer.
func (p *Peer) IsTimeSynchronized() bool {
	if p.isLocal {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deltaRing.Full(TimesyncInitRequestCount)
}

// WaitForFirstTimeSync blocks until the peer is time-synchronized,
// the peer is destroyed, or the context ends.
func (p *Peer) WaitForFirstTimeSync(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	remove := p.OnTimesyncStateUpdated(func() {
		if p.IsTimeSynchronized() {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer remove()

	if p.IsTimeSynchronized() {
		return nil
	}

	select {
	case <-ready:
		return nil
	case <-p.done:
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}
