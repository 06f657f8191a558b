// Package sidecar recreates the fleet's front-end containers — the GUI
// and the reverse proxy — when their image tag changes, independent of
// the per-agent canary rollout that internal/orchestrator drives. Each
// kind keeps a three-slot version history (current, n-1, n-2) so a
// rollback can recreate the container with a previously known-good tag
// without needing the orchestrator's agent-health machinery.
package sidecar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fleetops/agentmanager/internal/atomicfile"
	"github.com/fleetops/agentmanager/internal/docker"
	"github.com/fleetops/agentmanager/internal/logging"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// Kind identifies which front-end container a Sidecar call targets.
type Kind string

const (
	KindGUI   Kind = "gui"
	KindProxy Kind = "proxy"
)

// Slot records one version a kind has run, for history and rollback.
type Slot struct {
	Tag         string    `json:"tag"`
	RecreatedAt time.Time `json:"recreated_at"`
}

// History is a kind's rotating current/n-1/n-2 version record.
type History struct {
	Current *Slot `json:"current,omitempty"`
	N1      *Slot `json:"n1,omitempty"`
	N2      *Slot `json:"n2,omitempty"`
}

// rotate pushes newSlot in as Current, shifting Current→N1→N2, dropping
// whatever was in N2.
func (h *History) rotate(newSlot *Slot) {
	h.N2 = h.N1
	h.N1 = h.Current
	h.Current = newSlot
}

// Sidecar manages the GUI and proxy containers' recreate lifecycle and
// persisted version history.
type Sidecar struct {
	docker docker.API
	log    *logging.Logger

	historyPath string

	mu      sync.Mutex
	history map[Kind]*History
}

// New constructs a Sidecar, loading historyPath if it exists. A missing
// or damaged file yields empty history for every kind, same tolerance as
// internal/fleet.Load.
func New(d docker.API, historyPath string, log *logging.Logger) *Sidecar {
	s := &Sidecar{
		docker:      d,
		log:         log,
		historyPath: historyPath,
		history:     make(map[Kind]*History),
	}

	var persisted map[Kind]*History
	if err := atomicfile.ReadJSON(historyPath, &persisted); err == nil {
		s.history = persisted
	}
	return s
}

// HistoryFor returns a copy of kind's version history.
func (s *Sidecar) HistoryFor(kind Kind) History {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[kind]
	if !ok {
		return History{}
	}
	return *h
}

func (s *Sidecar) saveLocked() {
	if err := atomicfile.WriteJSON(s.historyPath, s.history); err != nil {
		s.log.Warn("sidecar: failed to persist version history", "error", err)
	}
}

// Update recreates every running container whose name contains
// namePattern with newImage, then rotates kind's version history on
// success. namePattern match is a plain substring of the container name.
func (s *Sidecar) Update(ctx context.Context, kind Kind, namePattern, newImage, newTag string) error {
	targets, err := s.matchingContainers(ctx, namePattern)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("sidecar: no running container matches pattern %q for kind %s", namePattern, kind)
	}

	s.log.Info("sidecar: pulling target image", "kind", kind, "image", newImage)
	if err := s.docker.PullImage(ctx, newImage); err != nil {
		return fmt.Errorf("sidecar: pull %s: %w", newImage, err)
	}

	for _, c := range targets {
		if err := s.recreate(ctx, c, newImage); err != nil {
			return fmt.Errorf("sidecar: recreate %s: %w", containerDisplayName(c), err)
		}
	}

	s.mu.Lock()
	h, ok := s.history[kind]
	if !ok {
		h = &History{}
		s.history[kind] = h
	}
	h.rotate(&Slot{Tag: newTag, RecreatedAt: time.Now().UTC()})
	s.saveLocked()
	s.mu.Unlock()

	return nil
}

// RollbackTo recreates kind's matching containers using the tag stored
// in its n-1 or n-2 slot ("n1"/"n2"), without altering the history
// itself — a rollback is a recreate with an old tag, not a new
// observation to record.
func (s *Sidecar) RollbackTo(ctx context.Context, kind Kind, slot string, namePattern, imageRepo string) error {
	s.mu.Lock()
	h, ok := s.history[kind]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("sidecar: no history for kind %s", kind)
	}

	var target *Slot
	switch slot {
	case "n1":
		target = h.N1
	case "n2":
		target = h.N2
	default:
		return fmt.Errorf("sidecar: unknown rollback slot %q, want n1 or n2", slot)
	}
	if target == nil {
		return fmt.Errorf("sidecar: kind %s has no %s slot to roll back to", kind, slot)
	}

	image := imageRepo + ":" + target.Tag
	targets, err := s.matchingContainers(ctx, namePattern)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("sidecar: no running container matches pattern %q for kind %s", namePattern, kind)
	}

	if err := s.docker.PullImage(ctx, image); err != nil {
		return fmt.Errorf("sidecar: pull rollback image %s: %w", image, err)
	}
	for _, c := range targets {
		if err := s.recreate(ctx, c, image); err != nil {
			return fmt.Errorf("sidecar: rollback recreate %s: %w", containerDisplayName(c), err)
		}
	}
	return nil
}

func (s *Sidecar) matchingContainers(ctx context.Context, namePattern string) ([]container.Summary, error) {
	all, err := s.docker.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("sidecar: list containers: %w", err)
	}
	var out []container.Summary
	for _, c := range all {
		if strings.Contains(containerDisplayName(c), namePattern) {
			out = append(out, c)
		}
	}
	return out, nil
}

// recreate stops, removes, and re-creates a single container with
// newImage, preserving its existing config, host config, and rebuilt
// networking config — the same recreate idiom used throughout this
// fleet's update paths.
func (s *Sidecar) recreate(ctx context.Context, c container.Summary, newImage string) error {
	name := containerDisplayName(c)

	inspect, err := s.docker.InspectContainer(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", name, err)
	}
	if inspect.Config == nil {
		return fmt.Errorf("inspect %s: container config is nil", name)
	}

	if err := s.docker.StopContainer(ctx, c.ID, 15); err != nil {
		s.log.Warn("sidecar: stop failed, proceeding with force remove", "name", name, "error", err)
	}
	if err := s.docker.RemoveContainer(ctx, c.ID); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}

	newConfig := *inspect.Config
	newConfig.Image = newImage
	hostConfig := inspect.HostConfig
	netConfig := rebuildNetworkingConfig(inspect.NetworkSettings)

	newID, err := s.docker.CreateContainer(ctx, name, &newConfig, hostConfig, netConfig)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := s.docker.StartContainer(ctx, newID); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	s.log.Info("sidecar: recreated container", "name", name, "image", newImage)
	return nil
}

func containerDisplayName(c container.Summary) string {
	if len(c.Names) > 0 {
		n := c.Names[0]
		return strings.TrimPrefix(n, "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

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
