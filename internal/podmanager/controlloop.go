package podmanager

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"github.com/podfleet/fleet/internal/metric"
	"github.com/podfleet/fleet/internal/pod"
	"github.com/podfleet/fleet/internal/podtype"
)

// runControlLoop ticks every tickInterval until Stop is called, running
// floor-fill, ceiling-trim, dispatch, autoscale, and reap in that order
// each tick.
func (m *Manager) runControlLoop() {
	defer m.loopWG.Done()
	logger := m.logger.Session("control-loop")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(logger)
		}
	}
}

func (m *Manager) tick(logger lager.Logger) {
	ctx := context.Background()

	m.floorFill(ctx, logger)
	m.ceilingTrim(ctx, logger)
	m.dispatchTick(logger)
	m.autoscaleTick(logger)
	m.reap(ctx, logger)
	m.emitGauges(ctx)
}

// floorFill provisions new pods up to max(POD_MIN_NUM, target), the
// autoscaler's current demand estimate, whichever is larger: capacity
// never drops below the configured minimum even when demand is
// momentarily below it.
func (m *Manager) floorFill(ctx context.Context, logger lager.Logger) {
	logger = logger.Session("floor-fill")

	m.mu.Lock()
	target := targetPodCount(m.history, m.cfg.PodMinNum, m.cfg.PodMaxNum, m.cfg.PodScalingSensitivity)
	if target < m.cfg.PodMinNum {
		target = m.cfg.PodMinNum
	}
	active := 0
	for _, p := range m.pods {
		if p.State().NonTerminal() {
			active++
		}
	}
	toCreate := target - active
	m.mu.Unlock()

	for i := 0; i < toCreate; i++ {
		name := fmt.Sprintf("%s-%s", m.spec.PreName, uuid.NewString())
		p := pod.New(m.logger, m.client, m.cfg, name, pod.Spec{
			TemplateID: m.spec.TemplateID,
			VolumeID:   m.spec.VolumeID,
			ImageName:  m.spec.ImageName,
			GPUTypes:   m.spec.GPUTypes,
		}, "")

		m.mu.Lock()
		m.pods = append(m.pods, p)
		m.mu.Unlock()

		logger.Info("created-pod", lager.Data{"pod": name})
	}
}

// ceilingTrim reclaims pods beyond the current target, preferring
// Stopped pods, then Creating, then Starting, then whichever remaining
// eligible pod was updated longest ago. Processing and is_working pods
// are never trim candidates, and a pod already carrying load is given a
// full request timeout to go idle before it is pulled down, so a pod
// that just finished a request isn't immediately stopped again.
func (m *Manager) ceilingTrim(ctx context.Context, logger lager.Logger) {
	logger = logger.Session("ceiling-trim")

	m.mu.Lock()
	target := targetPodCount(m.history, m.cfg.PodMinNum, m.cfg.PodMaxNum, m.cfg.PodScalingSensitivity)
	idleFor := m.cfg.RequestTimeout()

	var eligible []*pod.Pod
	active := 0
	for _, p := range m.pods {
		snap := p.Snap()
		if snap.State == podtype.Terminated {
			continue
		}
		if snap.State.NonTerminal() {
			active++
		}
		if snap.State == podtype.Processing || snap.IsWorking {
			continue
		}
		if snap.State != podtype.Stopped && time.Since(snap.LatestUpdatedTime) <= idleFor {
			continue
		}
		eligible = append(eligible, p)
	}
	excess := active - target
	m.mu.Unlock()

	if excess <= 0 {
		return
	}

	snaps := make([]pod.Snapshot, len(eligible))
	for i, p := range eligible {
		snaps[i] = p.Snap()
	}

	for excess > 0 && len(eligible) > 0 {
		best := 0
		for i := 1; i < len(eligible); i++ {
			if betterTrimCandidate(snaps[i], snaps[best]) {
				best = i
			}
		}

		p := eligible[best]
		eligible = append(eligible[:best], eligible[best+1:]...)
		snaps = append(snaps[:best], snaps[best+1:]...)
		excess--

		go func(p *pod.Pod) {
			if p.State() == podtype.Stopped {
				if p.Destroy(ctx) {
					logger.Info("trimmed-stopped-pod", lager.Data{"pod": p.Name()})
				}
				return
			}
			if p.Stop(ctx) {
				logger.Info("trimmed-pod", lager.Data{"pod": p.Name()})
			}
		}(p)
	}
}

// dispatchTick matches queued prompts to eligible pods, one job per pod
// per tick, and hands each match to the bounded dispatch worker pool.
// Creating and Starting pods are eligible too; Submit waits for them to
// reach Free. A Stopped pod chosen from the eligible set is resumed in
// the background and receives no prompt in this tick.
func (m *Manager) dispatchTick(logger lager.Logger) {
	logger = logger.Session("dispatch")

	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}

	var candidates []*pod.Pod
	for _, p := range m.pods {
		snap := p.Snap()
		if snap.IsWorking || snap.State == podtype.Processing || snap.State == podtype.Terminated {
			continue
		}
		candidates = append(candidates, p)
	}
	m.mu.Unlock()

	if len(candidates) == 0 {
		return
	}

	snaps := make([]pod.Snapshot, len(candidates))
	for i, p := range candidates {
		snaps[i] = p.Snap()
	}

	for len(m.drainableQueue()) > 0 && len(candidates) > 0 {
		best := 0
		for i := 1; i < len(candidates); i++ {
			if betterDispatchCandidate(snaps[i], snaps[best]) {
				best = i
			}
		}

		p := candidates[best]
		candidates = append(candidates[:best], candidates[best+1:]...)
		snaps = append(snaps[:best], snaps[best+1:]...)

		if p.State() == podtype.Stopped {
			go p.Resume(context.Background())
			continue
		}

		id, prompt, ok := m.popQueued()
		if !ok {
			break
		}

		p.SetWorking(true)

		m.mu.Lock()
		m.processing[id] = prompt
		m.mu.Unlock()

		m.dispatch <- dispatchJob{pod: p, id: id, prompt: *prompt}
		logger.Info("dispatched", lager.Data{"pod": p.Name(), "prompt": id})
	}
}

// drainableQueue returns a defensive copy of the current queue order,
// used only to bound the dispatch loop's iteration count.
func (m *Manager) drainableQueue() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queue...)
}

// popQueued removes and returns the oldest queued prompt.
func (m *Manager) popQueued() (string, *podtype.Prompt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return "", nil, false
	}
	id := m.queue[0]
	m.queue = m.queue[1:]
	prompt, ok := m.queued[id]
	delete(m.queued, id)
	if !ok {
		return "", nil, false
	}
	return id, prompt, true
}

// autoscaleTick appends this tick's outstanding-prompt count to the load
// history used by floor-fill and ceiling-trim's target computation.
func (m *Manager) autoscaleTick(logger lager.Logger) {
	m.mu.Lock()
	load := len(m.queued) + len(m.processing)
	m.history = recordLoad(m.history, load)
	m.mu.Unlock()
}

// reap destroys every Terminated pod and removes it from the tracked set
// once its destroy succeeds.
func (m *Manager) reap(ctx context.Context, logger lager.Logger) {
	logger = logger.Session("reap")

	m.mu.Lock()
	var terminated []*pod.Pod
	var kept []*pod.Pod
	for _, p := range m.pods {
		if p.State() == podtype.Terminated {
			terminated = append(terminated, p)
		} else {
			kept = append(kept, p)
		}
	}
	m.mu.Unlock()

	var stillAlive []*pod.Pod
	for _, p := range terminated {
		if p.Destroy(ctx) {
			logger.Info("reaped-pod", lager.Data{"pod": p.Name()})
		} else {
			stillAlive = append(stillAlive, p)
		}
	}

	m.mu.Lock()
	m.pods = append(kept, stillAlive...)
	m.mu.Unlock()
}

// emitGauges publishes the current pods-by-state and queued-prompts
// gauges.
func (m *Manager) emitGauges(ctx context.Context) {
	m.mu.Lock()
	counts := map[podtype.PodState]int64{}
	for _, p := range m.pods {
		counts[p.State()]++
	}
	queued := int64(len(m.queued))
	m.mu.Unlock()

	for _, s := range []podtype.PodState{podtype.Creating, podtype.Starting, podtype.Free, podtype.Processing, podtype.Stopped, podtype.Terminated} {
		metric.RecordPodsByState(ctx, s, counts[s])
	}
	metric.RecordQueuedPrompts(ctx, queued)
}
