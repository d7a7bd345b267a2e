package podmanager

import (
	"time"

	"code.cloudfoundry.org/lager/v3"
)

// runExpiryReaper periodically drops prompts that have outlived
// POD_REQUEST_TIMEOUT_RETRY_MAX from queued, processing, and completed.
// It runs independently of Enqueue's own per-call timeout so a caller
// that abandons its request (context cancelled, client gone) doesn't
// leak an entry forever.
func (m *Manager) runExpiryReaper() {
	defer m.loopWG.Done()
	logger := m.logger.Session("expiry-reaper")

	ticker := time.NewTicker(m.cfg.RetryDelay())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired(logger)
		}
	}
}

func (m *Manager) sweepExpired(logger lager.Logger) {
	deadline := m.cfg.RequestTimeout()
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for id, p := range m.queued {
		if now.Sub(p.StartTime) > deadline {
			expired = append(expired, id)
		}
	}
	for id, p := range m.processing {
		if now.Sub(p.StartTime) > deadline {
			expired = append(expired, id)
		}
	}
	for id, p := range m.completed {
		if now.Sub(p.StartTime) > deadline {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.expireOne(id)
	}

	if len(expired) > 0 {
		logger.Info("expired-prompts", lager.Data{"count": len(expired)})
	}
}
