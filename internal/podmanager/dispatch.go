package podmanager

import (
	"context"
	"time"

	"github.com/podfleet/fleet/internal/metric"
	"github.com/podfleet/fleet/internal/pod"
	"github.com/podfleet/fleet/internal/podtype"
)

// dispatchJob pairs one queued prompt with the pod chosen to serve it.
// The control loop produces jobs; the bounded worker pool consumes them,
// so Submit's blocking HTTP round trip never stalls the control loop's
// tick.
type dispatchJob struct {
	pod    *pod.Pod
	id     string
	prompt podtype.Prompt
}

// dispatchWorker drains dispatch jobs until the channel is closed at
// Stop. Pool size is fixed at PodMaxNum workers, so at most one job per
// pod can ever be in flight (the control loop never dispatches to a pod
// already marked is_working).
func (m *Manager) dispatchWorker() {
	defer m.poolWG.Done()

	for job := range m.dispatch {
		m.runJob(job)
	}
}

func (m *Manager) runJob(job dispatchJob) {
	start := time.Now()
	result := job.pod.Submit(context.Background(), job.prompt)

	m.mu.Lock()
	prompt, stillTracked := m.processing[job.id]
	if stillTracked {
		prompt.Result = &result
		m.completed[job.id] = prompt
		delete(m.processing, job.id)
	}
	done, hasWaiter := m.completedCh[job.id]
	m.mu.Unlock()

	// If the request already expired, there is nothing left to deliver
	// the result to: the waiter (if any) already got "request timeout."
	if hasWaiter && stillTracked {
		close(done)
	}

	metric.RecordDispatchDuration(context.Background(), time.Since(start).Seconds(), !result.IsError())
}
