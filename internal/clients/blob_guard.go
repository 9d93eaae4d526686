package clients

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBlobStoreSuspended is returned by Put while mirroring is paused after
// repeated failures.
var ErrBlobStoreSuspended = errors.New("blob store suspended after repeated failures")

const (
	mirrorFailureThreshold = 5
	mirrorCooldown         = time.Minute
)

// mirrorGuard pauses receipt mirroring once the blob store has failed
// threshold times in a row. When the cooldown runs out a single trial put is
// let through: success resumes mirroring, failure starts another cooldown.
// Receipts skipped meanwhile keep a null blob id and are picked up by the
// re-mirror sweep.
type mirrorGuard struct {
	mu             sync.Mutex
	threshold      int
	cooldown       time.Duration
	failures       int
	suspendedUntil time.Time
	trialInFlight  bool
	now            func() time.Time
	log            *logrus.Entry
}

func newMirrorGuard(log *logrus.Entry) *mirrorGuard {
	return &mirrorGuard{
		threshold: mirrorFailureThreshold,
		cooldown:  mirrorCooldown,
		now:       time.Now,
		log:       log,
	}
}

func (g *mirrorGuard) suspended() bool {
	return g.failures >= g.threshold
}

// acquire reports whether a put may go out and whether it is the trial put.
func (g *mirrorGuard) acquire() (trial bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.suspended() {
		return false, nil
	}
	if g.trialInFlight || g.now().Before(g.suspendedUntil) {
		return false, ErrBlobStoreSuspended
	}
	g.trialInFlight = true
	return true, nil
}

// release records the result of a put admitted by acquire. Puts abandoned
// by their caller (counted=false) say nothing about the store.
func (g *mirrorGuard) release(trial, counted bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if trial {
		g.trialInFlight = false
	}
	if !counted {
		return
	}
	if err == nil {
		if g.suspended() {
			g.log.Info("✅ [BlobStore] Trial put succeeded, mirroring resumed")
		}
		g.failures = 0
		return
	}

	g.failures++
	if !g.suspended() {
		return
	}
	g.suspendedUntil = g.now().Add(g.cooldown)
	if trial || g.failures == g.threshold {
		g.log.WithFields(logrus.Fields{
			"failures": g.failures,
			"until":    g.suspendedUntil.Format(time.RFC3339),
		}).WithError(err).Warn("⚡ [BlobStore] Mirroring suspended")
	}
}
