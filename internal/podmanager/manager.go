// Package podmanager implements the PodManager: the owner of a set of
// Pods that runs the control loop (scale, dispatch, reap), adopts
// pre-existing pods on startup, and exposes Enqueue/Stop/Snapshot to
// callers. Pods do not own or refer to the manager — the manager owns
// Pods by value and dispatch workers hold only short-lived references.
package podmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/podfleet/fleet/internal/config"
	"github.com/podfleet/fleet/internal/pod"
	"github.com/podfleet/fleet/internal/podtype"
	"github.com/podfleet/fleet/internal/provider"
)

// tickInterval is the control loop's cadence.
const tickInterval = 50 * time.Millisecond

// historyCapacity bounds the load-sample history used by the autoscaler
// to a fixed-size FIFO.
const historyCapacity = 300

// Spec holds the manager's construction parameters.
type Spec struct {
	PreName    string
	TemplateID string
	VolumeID   string
	ImageName  string
	GPUTypes   []podtype.GPUType
}

// Manager owns a set of Pods and dispatches queued prompts to them.
type Manager struct {
	logger lager.Logger
	client *provider.Client
	cfg    config.Config
	spec   Spec

	mu          sync.Mutex
	pods        []*pod.Pod
	queue       []string // ids, insertion order
	queued      map[string]*podtype.Prompt
	processing  map[string]*podtype.Prompt
	completed   map[string]*podtype.Prompt
	completedCh map[string]chan struct{}
	history     []int
	stopped     bool

	dispatch chan dispatchJob
	poolWG   sync.WaitGroup
	loopWG   sync.WaitGroup
	stopCh   chan struct{}
}

// New constructs a Manager: it adopts matching pre-existing pods from the
// provider, then starts the control loop and the expiry reaper.
func New(logger lager.Logger, client *provider.Client, cfg config.Config, spec Spec) *Manager {
	m := &Manager{
		logger:      logger.Session("pod-manager", lager.Data{"pre-name": spec.PreName}),
		client:      client,
		cfg:         cfg,
		spec:        spec,
		queued:      make(map[string]*podtype.Prompt),
		processing:  make(map[string]*podtype.Prompt),
		completed:   make(map[string]*podtype.Prompt),
		completedCh: make(map[string]chan struct{}),
		dispatch:    make(chan dispatchJob, cfg.PodMaxNum),
		stopCh:      make(chan struct{}),
	}

	m.adopt(context.Background())

	for i := 0; i < cfg.PodMaxNum; i++ {
		m.poolWG.Add(1)
		go m.dispatchWorker()
	}

	m.loopWG.Add(2)
	go m.runControlLoop()
	go m.runExpiryReaper()

	return m
}

// adopt re-adopts pre-existing provider pods whose name begins with
// PreName and whose template/volume/image match exactly. Unmatched pods
// are logged and skipped rather than touched.
func (m *Manager) adopt(ctx context.Context) {
	logger := m.logger.Session("adopt")

	entries, err := m.client.ListPods(ctx)
	if err != nil {
		logger.Error("failed-to-list-pods", err)
		return
	}

	for _, entry := range entries {
		if len(entry.Name) < len(m.spec.PreName) || entry.Name[:len(m.spec.PreName)] != m.spec.PreName {
			logger.Info("skipping-pod-with-other-prefix", lager.Data{"pod": entry.Name})
			continue
		}
		if entry.TemplateID != m.spec.TemplateID || entry.NetworkVolumeID != m.spec.VolumeID || entry.ImageName != m.spec.ImageName {
			logger.Info("skipping-mismatched-pod", lager.Data{
				"pod":  entry.Name,
				"want": fmt.Sprintf("%s/%s/%s", m.spec.TemplateID, m.spec.VolumeID, m.spec.ImageName),
				"have": fmt.Sprintf("%s/%s/%s", entry.TemplateID, entry.NetworkVolumeID, entry.ImageName),
			})
			continue
		}

		p := pod.New(m.logger, m.client, m.cfg, entry.Name, pod.Spec{
			TemplateID: m.spec.TemplateID,
			VolumeID:   m.spec.VolumeID,
			ImageName:  m.spec.ImageName,
			GPUTypes:   m.spec.GPUTypes,
		}, entry.ID)

		m.mu.Lock()
		m.pods = append(m.pods, p)
		m.mu.Unlock()

		logger.Info("adopted-pod", lager.Data{"pod": entry.Name, "pod-id": entry.ID})
	}
}

// Enqueue registers prompt for dispatch and blocks until a result is
// available or POD_REQUEST_TIMEOUT_RETRY_MAX elapses.
func (m *Manager) Enqueue(ctx context.Context, url string, workflowID int) podtype.PromptResult {
	id := uuid.NewString()
	prompt := &podtype.Prompt{ID: id, URL: url, WorkflowID: workflowID, StartTime: time.Now()}

	done := make(chan struct{})
	m.mu.Lock()
	m.queued[id] = prompt
	m.queue = append(m.queue, id)
	m.completedCh[id] = done
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.RequestTimeout())
	defer timer.Stop()

	select {
	case <-done:
		m.mu.Lock()
		prompt, ok := m.completed[id]
		delete(m.completed, id)
		delete(m.completedCh, id)
		m.mu.Unlock()
		if !ok || prompt.Result == nil {
			return podtype.Err("request timeout.")
		}
		return *prompt.Result

	case <-timer.C:
		m.expireOne(id)
		return podtype.Err("request timeout.")

	case <-ctx.Done():
		m.expireOne(id)
		return podtype.Err("request timeout.")
	}
}

// expireOne removes id from whichever map still holds it. Called both by
// Enqueue's own timeout and by the background expiry reaper.
func (m *Manager) expireOne(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queued, id)
	delete(m.processing, id)
	delete(m.completed, id)
	delete(m.completedCh, id)
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
}

// PodCounts summarizes pods_by_state for Snapshot.
type PodCounts map[podtype.PodState]int

// PromptCounts summarizes prompts_by_state for Snapshot.
type PromptCounts struct {
	Queued     int
	Processing int
	Completed  int
}

// Snapshot returns counts of pods by state and prompts by state.
func (m *Manager) Snapshot() (PodCounts, PromptCounts) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pods := PodCounts{}
	for _, p := range m.pods {
		pods[p.State()]++
	}

	prompts := PromptCounts{
		Queued:     len(m.queued),
		Processing: len(m.processing),
		Completed:  len(m.completed),
	}

	return pods, prompts
}

// Stop flips the stopped flag (ending the control loop and expiry reaper
// at their next tick), then destroys every pod, retrying until each
// destroy returns success or its attempt budget is exhausted. Individual
// destroy failures are aggregated rather than aborting the rest.
func (m *Manager) Stop(ctx context.Context) error {
	logger := m.logger.Session("stop")

	m.mu.Lock()
	m.stopped = true
	pods := append([]*pod.Pod(nil), m.pods...)
	m.mu.Unlock()

	close(m.stopCh)
	m.loopWG.Wait()

	close(m.dispatch)
	m.poolWG.Wait()

	var destroyErrs *multierror.Error
	var wg sync.WaitGroup
	var errMu sync.Mutex

	for _, p := range pods {
		wg.Add(1)
		go func(p *pod.Pod) {
			defer wg.Done()
			if !destroyWithRetry(ctx, p, m.cfg.PodRequestTimeoutSeconds) {
				errMu.Lock()
				destroyErrs = multierror.Append(destroyErrs, fmt.Errorf("pod %s: destroy did not succeed", p.Name()))
				errMu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if destroyErrs != nil {
		logger.Error("some-pods-not-destroyed", destroyErrs)
		return destroyErrs.ErrorOrNil()
	}
	return nil
}

// destroyWithRetry calls Destroy up to maxAttempts times, matching the
// spec's "retry until each destroy returns success" without risking an
// unresponsive provider wedging Stop() forever.
func destroyWithRetry(ctx context.Context, p *pod.Pod, maxAttempts int) bool {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if p.Destroy(ctx) {
			return true
		}
	}
	return false
}
