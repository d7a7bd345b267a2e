// Package pod implements the Pod lifecycle controller: the state machine
// that drives one remote pod from Creating through Free/Processing to
// Stopped or Terminated, and the Submit algorithm that dispatches one
// prompt to a Free pod.
//
// Each Pod's mutable fields are guarded by a single mutex. A state change
// and its latestUpdatedTime are written in one critical section; PodInfo
// is written in a separate one (see setPodInfo), so a reader can briefly
// see the new PodInfo together with the old state.
package pod

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/podfleet/fleet/internal/config"
	"github.com/podfleet/fleet/internal/metric"
	"github.com/podfleet/fleet/internal/podtype"
	"github.com/podfleet/fleet/internal/provider"
	"github.com/podfleet/fleet/tracing"
)

// ServicePort is the container port the inference server listens on.
// Its provider-assigned host mapping is looked up under this key in
// PodInfo.PortMappings.
const ServicePort = "8188"

// Spec holds the pod's immutable construction parameters.
type Spec struct {
	TemplateID string
	VolumeID   string
	ImageName  string
	GPUTypes   []podtype.GPUType
}

// Pod drives one remote provider pod through its lifecycle and serves
// prompts submitted to it once it reaches Free.
type Pod struct {
	name string
	spec Spec

	client    *provider.Client
	podClient *http.Client
	retry     config.Config
	logger    lager.Logger

	mu                sync.Mutex
	podID             string
	state             podtype.PodState
	podInfo           *podtype.PodInfo
	latestUpdatedTime time.Time
	isWorking         bool
	allocatedGPU      string

	cancel context.CancelFunc
	initWG sync.WaitGroup
}

// Snapshot is an atomic read of a Pod's observable fields.
type Snapshot struct {
	Name              string
	PodID             string
	State             podtype.PodState
	PodInfo           *podtype.PodInfo
	LatestUpdatedTime time.Time
	IsWorking         bool
	AllocatedGPU      string
}

// New constructs a Pod and starts its background initializer. The pod
// begins in Creating; when podID is non-empty (adoption), the initializer
// skips the create phase and starts from poll-info.
func New(logger lager.Logger, client *provider.Client, retry config.Config, name string, spec Spec, podID string) *Pod {
	p := &Pod{
		name:              name,
		spec:              spec,
		client:            client,
		podClient:         &http.Client{Timeout: retry.RequestTimeout()},
		retry:             retry,
		logger:            logger.Session("pod", lager.Data{"pod": name}),
		podID:             podID,
		state:             podtype.Creating,
		latestUpdatedTime: time.Now(),
	}
	p.startInitializer()
	return p
}

func (p *Pod) startInitializer() {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.initWG.Add(1)
	go func() {
		defer p.initWG.Done()
		p.runInitializer(ctx)
	}()
}

// Name returns the pod's manager-assigned name.
func (p *Pod) Name() string {
	return p.name
}

// State returns the current PodState (convenience wrapper over Snapshot).
func (p *Pod) State() podtype.PodState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Snap takes an atomic read of the pod's observable state.
func (p *Pod) Snap() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Name:              p.name,
		PodID:             p.podID,
		State:             p.state,
		PodInfo:           p.podInfo,
		LatestUpdatedTime: p.latestUpdatedTime,
		IsWorking:         p.isWorking,
		AllocatedGPU:      p.allocatedGPU,
	}
}

// SetWorking sets the dispatcher's lease flag on the pod. Only the
// control loop's dispatcher should call SetWorking(true); only the
// dispatch task holding the lease should call SetWorking(false). This
// is what prevents two dispatch tasks from submitting to the same pod
// at once.
func (p *Pod) SetWorking(working bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isWorking = working
}

// transition moves the pod to a new state under one critical section,
// updating latestUpdatedTime at the same time so readers never observe a
// state change without its timestamp, and logs the edge for an audit
// trail.
func (p *Pod) transition(logger lager.Logger, phase string, to podtype.PodState) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.latestUpdatedTime = time.Now()
	p.mu.Unlock()

	logger.Info("state-transition", lager.Data{"from": from.String(), "to": to.String(), "phase": phase})

	if to == podtype.Terminated {
		metric.RecordPodTerminated(context.Background())
	}
}

// setPodInfo sets or clears PodInfo under the pod's mutex. It does not
// touch the state: callers pair it with transition, which takes the lock
// again, so the two writes are not one atomic step.
func (p *Pod) setPodInfo(info *podtype.PodInfo) {
	p.mu.Lock()
	p.podInfo = info
	p.mu.Unlock()
}

func (p *Pod) setPodID(id string) {
	p.mu.Lock()
	p.podID = id
	p.mu.Unlock()
}

func (p *Pod) setAllocatedGPU(gpu string) {
	p.mu.Lock()
	p.allocatedGPU = gpu
	p.mu.Unlock()
}

func (p *Pod) touch() {
	p.mu.Lock()
	p.latestUpdatedTime = time.Now()
	p.mu.Unlock()
}

// Stop asks the provider to pause the pod. On success it clears PodInfo,
// transitions to Stopped, and aborts any running initializer. Cancellation
// is cooperative: the initializer observes ctx.Done() at its next
// suspension point rather than being force-killed.
func (p *Pod) Stop(ctx context.Context) bool {
	logger := p.logger.Session("stop")
	p.mu.Lock()
	id := p.podID
	p.mu.Unlock()

	if id == "" {
		return false
	}

	if err := p.client.StopPod(ctx, id); err != nil {
		logger.Error("failed-to-stop", err)
		return false
	}

	p.abortInitializer()
	p.setPodInfo(nil)
	p.transition(logger, "stop", podtype.Stopped)
	return true
}

// Resume asks the provider to start a stopped pod, then restarts the
// initializer from Creating so poll-info and health-check run again.
// The existing podID is reused; resuming never re-creates the pod.
func (p *Pod) Resume(ctx context.Context) bool {
	logger := p.logger.Session("resume")
	p.mu.Lock()
	id := p.podID
	p.mu.Unlock()

	if id == "" {
		return false
	}

	if err := p.client.StartPod(ctx, id); err != nil {
		logger.Error("failed-to-resume", err)
		return false
	}

	p.setPodInfo(nil)
	p.transition(logger, "resume", podtype.Creating)
	p.startInitializer()
	return true
}

// Destroy asks the provider to delete the pod and aborts its initializer.
// It is idempotent: a pod with no podID yet, or one the provider reports
// as already gone, is treated as successfully destroyed.
func (p *Pod) Destroy(ctx context.Context) bool {
	logger := p.logger.Session("destroy")
	p.abortInitializer()

	p.mu.Lock()
	id := p.podID
	p.mu.Unlock()

	if id == "" {
		return true
	}

	if err := p.client.DeletePod(ctx, id); err != nil {
		logger.Error("failed-to-destroy", err)
		return false
	}
	return true
}

func (p *Pod) abortInitializer() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.initWG.Wait()
}

// Submit waits for the pod to become Free, then POSTs the prompt to its
// inference endpoint. At most one Submit may run concurrently per pod;
// the manager enforces this via SetWorking before calling Submit.
func (p *Pod) Submit(ctx context.Context, prompt podtype.Prompt) podtype.PromptResult {
	logger := p.logger.Session("submit", lager.Data{"prompt": prompt.ID})

	ctx, span := tracing.StartSpan(ctx, "pod.submit", tracing.Attrs{"pod": p.name, "prompt": prompt.ID})
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	p.SetWorking(true)
	p.touch()

	result, finalState := p.waitAndProcess(ctx, logger, prompt)

	p.mu.Lock()
	p.latestUpdatedTime = time.Now()
	p.isWorking = false
	if p.state != podtype.Terminated && p.state != podtype.Stopped {
		p.state = finalState
	}
	p.mu.Unlock()

	if result.IsError() {
		spanErr = fmt.Errorf("%s", result.Error.Message)
	}
	return result
}

// waitAndProcess implements the busy-wait-then-process core of Submit. It
// returns the PromptResult and the state the pod should settle into
// (always Free, except the exit paths that leave isWorking false without
// ever reaching Processing).
func (p *Pod) waitAndProcess(ctx context.Context, logger lager.Logger, prompt podtype.Prompt) (podtype.PromptResult, podtype.PodState) {
	for {
		snap := p.Snap()

		if snap.State == podtype.Free && snap.PodInfo.Ready(ServicePort) {
			break
		}
		if snap.State == podtype.Terminated || snap.State == podtype.Stopped {
			return podtype.Err("Pod is not working."), snap.State
		}
		if time.Since(snap.LatestUpdatedTime) > p.retry.RequestTimeout() {
			return podtype.Err("Processing timeout."), snap.State
		}
		if !sleepCtx(ctx, p.retry.RetryDelay()) {
			return podtype.Err("Processing timeout."), snap.State
		}
	}

	p.transition(logger, "submit", podtype.Processing)

	snap := p.Snap()
	hostPort := snap.PodInfo.HostPort(ServicePort)
	url := fmt.Sprintf("http://%s:%s/process", snap.PodInfo.PublicIP, hostPort)

	reqCtx, cancel := context.WithTimeout(ctx, p.retry.RequestTimeout())
	defer cancel()

	content, mediaType, err := postProcess(reqCtx, p.podClient, url, prompt.URL, prompt.WorkflowID)
	if err != nil {
		logger.Error("process-failed", err)
		return podtype.Err("Unknown error occurred."), podtype.Free
	}

	return podtype.Success(content, mediaType), podtype.Free
}

// sleepCtx blocks for d or until ctx is cancelled, returning false in the
// latter case so callers can treat cancellation the same as a timeout.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
