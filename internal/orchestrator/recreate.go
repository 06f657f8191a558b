package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/fleetops/agentmanager/internal/fleet"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// findContainerByName locates the running container backing rec by its
// compose-assigned name.
func (o *Orchestrator) findContainerByName(ctx context.Context, name string) (container.Summary, error) {
	containers, err := o.docker.ListAllContainers(ctx)
	if err != nil {
		return container.Summary{}, fmt.Errorf("orchestrator: list containers: %w", err)
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name || n == name {
				return c, nil
			}
		}
	}
	return container.Summary{}, fmt.Errorf("orchestrator: no container named %q", name)
}

// recreateContainer performs the snapshot → pull → stop → remove → create
// → start lifecycle for a single agent's container, mirroring the
// container-recreate update idiom this fleet's tooling has always used.
// It returns the pre-update inspect snapshot so the caller can roll back
// if the agent fails its post-update health gate.
func (o *Orchestrator) recreateContainer(ctx context.Context, rec *fleet.Record, targetImage string) ([]byte, error) {
	summary, err := o.findContainerByName(ctx, rec.Name)
	if err != nil {
		return nil, err
	}

	inspect, err := o.docker.InspectContainer(ctx, summary.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: inspect %s: %w", rec.Name, err)
	}
	if inspect.Config == nil {
		return nil, fmt.Errorf("orchestrator: inspect %s: container config is nil", rec.Name)
	}

	snapshot, err := json.Marshal(inspect)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshal snapshot for %s: %w", rec.Name, err)
	}

	o.log.Info("orchestrator: pulling target image", "agent", rec.Name, "image", targetImage)
	if err := o.docker.PullImage(ctx, targetImage); err != nil {
		return nil, fmt.Errorf("orchestrator: pull %s: %w", targetImage, err)
	}

	if err := o.docker.StopContainer(ctx, summary.ID, 30); err != nil {
		o.log.Warn("orchestrator: stop failed, proceeding with force remove", "agent", rec.Name, "error", err)
	}
	if err := o.docker.RemoveContainer(ctx, summary.ID); err != nil {
		return snapshot, fmt.Errorf("orchestrator: remove old container %s: %w", rec.Name, err)
	}

	newConfig := cloneContainerConfig(inspect.Config)
	newConfig.Image = targetImage
	hostConfig := inspect.HostConfig
	netConfig := rebuildNetworkingConfig(inspect.NetworkSettings)

	newID, err := o.docker.CreateContainer(ctx, rec.Name, newConfig, hostConfig, netConfig)
	if err != nil {
		return snapshot, fmt.Errorf("orchestrator: create new container %s: %w", rec.Name, err)
	}
	if err := o.docker.StartContainer(ctx, newID); err != nil {
		_ = o.docker.RemoveContainer(ctx, newID)
		return snapshot, fmt.Errorf("orchestrator: start new container %s: %w", rec.Name, err)
	}

	o.log.Info("orchestrator: container recreated", "agent", rec.Name, "image", targetImage)
	return snapshot, nil
}

// rollbackFromSnapshot recreates rec's container from snapshotData, the
// inspect response captured immediately before the update began.
func (o *Orchestrator) rollbackFromSnapshot(ctx context.Context, rec *fleet.Record, snapshotData []byte) error {
	var inspect container.InspectResponse
	if err := json.Unmarshal(snapshotData, &inspect); err != nil {
		return fmt.Errorf("orchestrator: unmarshal rollback snapshot: %w", err)
	}

	o.log.Warn("orchestrator: rolling back container", "agent", rec.Name, "image", inspect.Config.Image)

	summary, err := o.findContainerByName(ctx, rec.Name)
	if err == nil {
		_ = o.docker.StopContainer(ctx, summary.ID, 10)
		_ = o.docker.RemoveContainer(ctx, summary.ID)
	}

	cfg := cloneContainerConfig(inspect.Config)
	hostConfig := inspect.HostConfig
	netConfig := rebuildNetworkingConfig(inspect.NetworkSettings)

	newID, err := o.docker.CreateContainer(ctx, rec.Name, cfg, hostConfig, netConfig)
	if err != nil {
		return fmt.Errorf("orchestrator: create rollback container: %w", err)
	}
	if err := o.docker.StartContainer(ctx, newID); err != nil {
		return fmt.Errorf("orchestrator: start rollback container: %w", err)
	}

	o.log.Info("orchestrator: rollback complete", "agent", rec.Name)
	return nil
}

// cloneContainerConfig returns a shallow copy of cfg with its label map
// cloned, so callers can mutate labels/image without touching the
// inspected original.
func cloneContainerConfig(cfg *container.Config) *container.Config {
	if cfg == nil {
		return &container.Config{}
	}
	clone := *cfg
	clone.Labels = maps.Clone(cfg.Labels)
	return &clone
}

// rebuildNetworkingConfig extracts the network ID, MAC address, IPAM config,
// aliases, and driver opts from NetworkSettings — not operational fields like Gateway
// or IPAddress, which the daemon assigns fresh on create.
func rebuildNetworkingConfig(ns *container.NetworkSettings) *network.NetworkingConfig {
	if ns == nil || len(ns.Networks) == 0 {
		return nil
	}
	endpoints := make(map[string]*network.EndpointSettings, len(ns.Networks))
	for netName, ep := range ns.Networks {
		endpoints[netName] = &network.EndpointSettings{
			IPAMConfig: ep.IPAMConfig,
			Aliases:    ep.Aliases,
			DriverOpts: ep.DriverOpts,
			NetworkID:  ep.NetworkID,
			MacAddress: ep.MacAddress,
		}
	}
	return &network.NetworkingConfig{EndpointsConfig: endpoints}
}
