package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"code.cloudfoundry.org/lager/v3"
	"github.com/podfleet/fleet/internal/config"
	"github.com/podfleet/fleet/internal/metric"
	"github.com/podfleet/fleet/internal/podmanager"
	"github.com/podfleet/fleet/internal/podtype"
	"github.com/podfleet/fleet/internal/provider"
	"github.com/podfleet/fleet/tracing"
)

// FleetCommand is the fleetd entrypoint: it wires env-sourced retry/scaling
// config (internal/config), CLI-sourced provider/server config (this
// struct's own flags), and tracing/metrics export (tracing.Config) into a
// running PodManager behind an HTTP front door.
type FleetCommand struct {
	Version func() `short:"v" long:"version" description:"Print the version of fleetd and exit"`

	BindAddr string `long:"bind-addr" default:":8080" description:"address for the dispatch HTTP API to listen on"`

	ProviderBaseURL    string `long:"provider-base-url" required:"true" description:"base URL of the GPU-pod provider's REST API"`
	ProviderAPIToken   string `long:"provider-api-token" required:"true" description:"bearer token for the provider's REST API" env:"PROVIDER_API_TOKEN"`
	PodNamePrefix      string `long:"pod-name-prefix" required:"true" description:"prefix used to name and adopt pods"`
	PodTemplateID      string `long:"pod-template-id" required:"true" description:"provider template id for new pods"`
	PodNetworkVolumeID string `long:"pod-network-volume-id" description:"provider network volume id to attach to new pods"`
	PodImageName       string `long:"pod-image-name" required:"true" description:"container image for new pods"`
	GPUTypeIDs         []string `long:"gpu-type-id" description:"provider GPU type id, in preference order; repeatable"`

	Tracing tracing.Config `group:"Tracing" namespace:"tracing"`
}

func (cmd *FleetCommand) Execute(_ []string) error {
	logger := lager.NewLogger("fleetd")
	logger.RegisterSink(lager.NewWriterSink(os.Stdout, lager.INFO))

	retryCfg, err := config.Load()
	if err != nil {
		return err
	}

	if mp, shutdown, err := cmd.Tracing.Metrics.MeterProvider(); err != nil {
		logger.Error("failed-to-configure-meter-provider", err)
	} else if mp != nil {
		tracing.ConfigureMeterProvider(mp)
		defer shutdown(context.Background())
	}
	metric.Init()

	client := provider.NewClient(provider.Config{
		BaseURL:        cmd.ProviderBaseURL,
		BearerToken:    cmd.ProviderAPIToken,
		RequestTimeout: retryCfg.RequestTimeout(),
	})

	gpuTypes := make([]podtype.GPUType, len(cmd.GPUTypeIDs))
	for i, id := range cmd.GPUTypeIDs {
		gpuTypes[i] = podtype.GPUType{ID: id, Label: id}
	}

	manager := podmanager.New(logger, client, retryCfg, podmanager.Spec{
		PreName:    cmd.PodNamePrefix,
		TemplateID: cmd.PodTemplateID,
		VolumeID:   cmd.PodNetworkVolumeID,
		ImageName:  cmd.PodImageName,
		GPUTypes:   gpuTypes,
	})

	server := newServer(logger, manager)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(cmd.BindAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("shutting-down")
		return manager.Stop(context.Background())
	}
}
