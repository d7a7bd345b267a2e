package pod

import (
	"context"
	"fmt"
	"strconv"

	"code.cloudfoundry.org/lager/v3"
	"github.com/cenkalti/backoff/v5"
	"github.com/podfleet/fleet/internal/metric"
	"github.com/podfleet/fleet/internal/podtype"
	"github.com/podfleet/fleet/internal/provider"
	"github.com/podfleet/fleet/tracing"
)

// runInitializer drives a Pod once through create (if needed), poll-info,
// and health-check, transitioning through Creating -> Starting -> Free,
// or to Terminated on any retry-budget exhaustion or cancellation. It is
// cooperative: cancellation via ctx (Stop/Resume/Destroy) is observed at
// each phase boundary rather than forcing the goroutine to exit.
func (p *Pod) runInitializer(ctx context.Context) {
	logger := p.logger.Session("initializer")

	ctx, span := tracing.StartSpan(ctx, "pod.initialize", tracing.Attrs{"pod": p.name})
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	p.mu.Lock()
	needsCreate := p.podID == ""
	podID := p.podID
	p.mu.Unlock()

	if needsCreate {
		id, err := p.createPhase(ctx, logger)
		if err != nil {
			p.fail(logger, "create", err)
			spanErr = err
			return
		}
		podID = id
		p.setPodID(id)
		metric.RecordPodCreated(ctx)
	}

	if ctx.Err() != nil {
		return
	}

	info, err := p.pollInfoPhase(ctx, logger, podID, needsCreate)
	if err != nil {
		p.fail(logger, "poll-info", err)
		spanErr = err
		return
	}
	p.setPodInfo(info)
	p.transition(logger, "poll-info", podtype.Starting)

	if ctx.Err() != nil {
		return
	}

	if err := p.healthCheckPhase(ctx, logger, info); err != nil {
		p.fail(logger, "health-check", err)
		spanErr = err
		return
	}

	p.transition(logger, "health-check", podtype.Free)
}

// fail transitions the pod to Terminated in response to a phase failure
// or cancellation. Any uncaught failure inside the initializer ends here.
func (p *Pod) fail(logger lager.Logger, phase string, err error) {
	if err != nil {
		logger.Error("phase-failed", err, lager.Data{"phase": phase})
	}
	p.transition(logger, phase, podtype.Terminated)
}

// createPhase POSTs to /pods, retrying transient provider failures up to
// POD_CREATE_RETRY_MAX times with POD_RETRY_DELAY between attempts.
func (p *Pod) createPhase(ctx context.Context, logger lager.Logger) (string, error) {
	logger = logger.Session("create")

	gpuIDs := make([]string, len(p.spec.GPUTypes))
	for i, g := range p.spec.GPUTypes {
		gpuIDs[i] = g.ID
	}

	resp, err := backoff.Retry(ctx, func() (provider.CreatePodResponse, error) {
		r, err := p.client.CreatePod(ctx, provider.CreatePodRequest{
			GPUTypeIDs:      gpuIDs,
			Name:            p.name,
			GPUCount:        1,
			NetworkVolumeID: p.spec.VolumeID,
			ImageName:       p.spec.ImageName,
			TemplateID:      p.spec.TemplateID,
			SupportPublicIP: true,
			Ports:           []string{ServicePort + "/tcp"},
		})
		if err != nil {
			if !provider.IsRetryable(err) {
				return provider.CreatePodResponse{}, backoff.Permanent(err)
			}
			logger.Info("retrying-create")
			return provider.CreatePodResponse{}, err
		}
		return r, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.retry.RetryDelay())),
		backoff.WithMaxTries(uint(p.retry.PodCreateRetryMax)),
	)
	if err != nil {
		return "", fmt.Errorf("create pod retries exhausted: %w", err)
	}
	return resp.ID, nil
}

// pollInfoPhase GETs /pods/{id} until the response carries a non-empty
// public IP and port mapping. An adopted pod (preExisting) that shows no
// network identity on its first poll is resumed once before polling
// continues.
func (p *Pod) pollInfoPhase(ctx context.Context, logger lager.Logger, podID string, freshlyCreated bool) (*podtype.PodInfo, error) {
	logger = logger.Session("poll-info")
	preExisting := !freshlyCreated
	resumedOnce := false

	for attempt := 0; attempt < p.retry.PodStartRetryMax; attempt++ {
		detail, err := p.client.InspectPod(ctx, podID)
		if err != nil {
			if !provider.IsRetryable(err) {
				return nil, fmt.Errorf("inspecting pod: %w", err)
			}
			logger.Info("retrying-inspect")
		} else if detail.PublicIP != "" && len(detail.PortMappings) > 0 {
			if gpu := detail.GPUTypeID; gpu != "" {
				p.setAllocatedGPU(gpu)
			}
			return &podtype.PodInfo{PublicIP: detail.PublicIP, PortMappings: detail.PortMappings}, nil
		} else if preExisting && !resumedOnce {
			resumedOnce = true
			if err := p.client.StartPod(ctx, podID); err != nil {
				logger.Error("failed-to-resume-adopted-pod", err)
			}
		}

		if !sleepCtx(ctx, p.retry.RetryDelay()) {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("poll-info retries exhausted after %d attempts", p.retry.PodStartRetryMax)
}

// healthCheckPhase polls the pod's own /health endpoint until it reports
// ready.
func (p *Pod) healthCheckPhase(ctx context.Context, logger lager.Logger, info *podtype.PodInfo) error {
	logger = logger.Session("health-check")
	hostPort := info.HostPort(ServicePort)

	for attempt := 0; attempt < p.retry.PodRunServerRetryMax; attempt++ {
		ready, err := checkHealth(ctx, p.podClient, info.PublicIP, hostPort)
		if err != nil {
			logger.Error("health-check-error", err, lager.Data{"attempt": strconv.Itoa(attempt)})
		}
		if ready {
			return nil
		}

		if !sleepCtx(ctx, p.retry.RetryDelay()) {
			return ctx.Err()
		}
	}

	return fmt.Errorf("health-check retries exhausted after %d attempts", p.retry.PodRunServerRetryMax)
}
