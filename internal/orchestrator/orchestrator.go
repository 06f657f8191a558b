package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fleetops/agentmanager/internal/agentauth"
	"github.com/fleetops/agentmanager/internal/atomicfile"
	"github.com/fleetops/agentmanager/internal/clock"
	"github.com/fleetops/agentmanager/internal/docker"
	"github.com/fleetops/agentmanager/internal/fleet"
	"github.com/fleetops/agentmanager/internal/imageresolver"
	"github.com/fleetops/agentmanager/internal/logging"
	"github.com/fleetops/agentmanager/internal/metrics"
	"github.com/fleetops/agentmanager/internal/notify"
	"github.com/fleetops/agentmanager/internal/sidecar"
	"github.com/fleetops/agentmanager/internal/tokencrypt"
)

// ErrUpdateInProgress is returned when an update is requested for an agent
// that already has one running.
var ErrUpdateInProgress = fmt.Errorf("orchestrator: update already in progress for this agent")

// ErrDeploymentBusy is returned by StartDeployment when another deployment
// is already running: only one deployment may be in flight at a time.
var ErrDeploymentBusy = fmt.Errorf("orchestrator: a deployment is already in progress")

// deferredError marks an auth failure as transient (circuit open, backoff
// active) rather than a hard rejection — the agent should be retried on a
// later deployment, not treated as having refused the update.
type deferredError struct{ msg string }

func (e *deferredError) Error() string { return e.msg }

// Orchestrator drives deployments across the fleet registry: it resolves
// which agents are behind a target image, recreates their containers
// (singly or in canary waves), and gates each wave on the health gate
// before moving on.
type Orchestrator struct {
	docker      docker.API
	registry    *fleet.Registry
	resolver    *imageresolver.Resolver
	authTracker *agentauth.Tracker
	cipher      *tokencrypt.Cipher
	notifier    *notify.Multi
	agentClient AgentClient
	healthGate  *HealthGate
	clock       clock.Clock
	log         *logging.Logger

	sidecar          *sidecar.Sidecar
	guiNamePattern   string
	proxyNamePattern string

	statePath string

	mu          sync.Mutex
	deployments map[string]*Deployment
	currentID   string // id of the in-flight deployment, "" when idle

	updating sync.Map // map[string]*sync.Mutex — per-agent-key admission lock
}

// stateFile is the on-disk shape of the deployment state file:
// { "deployments": {...}, "current_deployment": <id|null> }. The current
// deployment pointer is never resumed across a restart — see New.
type stateFile struct {
	Deployments       map[string]*Deployment `json:"deployments"`
	CurrentDeployment string                 `json:"current_deployment,omitempty"`
}

// New constructs an Orchestrator. statePath is where in-flight and
// completed deployment records are persisted; a missing file yields an
// empty set (deployments are never resumed across a restart — see
// DESIGN.md). sc, guiNamePattern, and proxyNamePattern drive the
// GUI/proxy-only update path; sc may be nil if no sidecar containers are
// managed, in which case a GUI/proxy-only deployment fails outright.
func New(
	d docker.API,
	reg *fleet.Registry,
	resolver *imageresolver.Resolver,
	authTracker *agentauth.Tracker,
	cipher *tokencrypt.Cipher,
	notifier *notify.Multi,
	agentClient AgentClient,
	healthGate *HealthGate,
	clk clock.Clock,
	log *logging.Logger,
	statePath string,
	sc *sidecar.Sidecar,
	guiNamePattern string,
	proxyNamePattern string,
) *Orchestrator {
	o := &Orchestrator{
		docker:           d,
		registry:         reg,
		resolver:         resolver,
		authTracker:      authTracker,
		cipher:           cipher,
		notifier:         notifier,
		agentClient:      agentClient,
		healthGate:       healthGate,
		clock:            clk,
		log:              log,
		sidecar:          sc,
		guiNamePattern:   guiNamePattern,
		proxyNamePattern: proxyNamePattern,
		statePath:        statePath,
		deployments:      make(map[string]*Deployment),
	}

	var persisted stateFile
	if err := atomicfile.ReadJSON(statePath, &persisted); err == nil {
		for id, dep := range persisted.Deployments {
			// A deployment found in_progress at load time reflects a
			// process that died mid-rollout. It is never auto-resumed:
			// an operator must inspect what each agent actually ended up
			// running and decide whether to re-run or roll back by hand.
			if dep.Status == StatusInProgress {
				dep.Status = StatusFailed
				dep.Error = "orchestrator restarted mid-deployment; not resumed"
			}
			o.deployments[id] = dep
		}
		// currentID stays "" regardless of persisted.CurrentDeployment: a
		// restart always frees the admission slot.
	}

	return o
}

func newDeploymentID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("dep-%d", time.Now().UnixNano())
	}
	return "dep-" + hex.EncodeToString(b)
}

// tryLock acquires the per-agent admission lock, refusing a second
// concurrent update against the same agent.
func (o *Orchestrator) tryLock(key string) bool {
	mu := &sync.Mutex{}
	actual, _ := o.updating.LoadOrStore(key, mu)
	return actual.(*sync.Mutex).TryLock()
}

func (o *Orchestrator) unlock(key string) {
	if val, ok := o.updating.Load(key); ok {
		val.(*sync.Mutex).Unlock()
		o.updating.Delete(key)
	}
}

func (o *Orchestrator) saveLocked() {
	sf := stateFile{Deployments: o.deployments, CurrentDeployment: o.currentID}
	if err := atomicfile.WriteJSON(o.statePath, sf); err != nil {
		o.log.Warn("orchestrator: failed to persist deployment state", "error", err)
	}
}

// Get returns a deployment's current state by ID.
func (o *Orchestrator) Get(id string) (*Deployment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.deployments[id]
	return d, ok
}

// List returns every known deployment.
func (o *Orchestrator) List() []*Deployment {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Deployment, 0, len(o.deployments))
	for _, d := range o.deployments {
		out = append(out, d)
	}
	return out
}

// ReconcileScan checks every registered agent's compose-declared image
// against the registry, without starting a deployment — an operator (or
// the manager's periodic reconciliation loop in cmd/manager) decides separately
// whether to act on what it finds. Returns how many agents are running
// behind the image their compose file declares.
func (o *Orchestrator) ReconcileScan(ctx context.Context) int {
	drift := 0
	for _, rec := range o.registry.List() {
		imageRef, err := ServiceImage(rec.ComposePath, rec.Name)
		if err != nil {
			o.log.Debug("reconcile: skipping agent, no service image", "agent", rec.Name, "error", err)
			continue
		}
		decision := o.resolver.Resolve(ctx, imageRef)
		if decision.Err != nil || decision.Skipped {
			continue
		}
		if decision.UpdateAvailable {
			drift++
			o.log.Info("reconcile: update available", "agent", rec.Name, "image", imageRef)
		}
	}
	return drift
}

// StartDeployment admits a new deployment if none is currently in flight,
// persists its initial (pending) record, and runs it to completion in the
// background. Only one deployment may be in progress fleet-wide at a
// time; a concurrent submission is rejected with ErrDeploymentBusy rather
// than queued.
func (o *Orchestrator) StartDeployment(ctx context.Context, n UpdateNotification) (*Deployment, error) {
	o.mu.Lock()
	if o.currentID != "" {
		if cur, ok := o.deployments[o.currentID]; ok && !isTerminal(cur.Status) {
			o.mu.Unlock()
			return nil, ErrDeploymentBusy
		}
	}

	now := o.clock.Now()
	dep := &Deployment{
		ID:            newDeploymentID(),
		TargetImage:   n.TargetImage,
		TargetVersion: n.TargetVersion,
		GUIImage:      n.GUIImage,
		ProxyImage:    n.ProxyImage,
		Strategy:      n.Strategy,
		Message:       n.Message,
		Changelog:     n.Changelog,
		RiskLevel:     n.RiskLevel,
		InitiatedBy:   n.InitiatedBy,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Agents:        make(map[string]*AgentUpdate),
	}

	o.currentID = dep.ID
	o.deployments[dep.ID] = dep
	o.saveLocked()
	o.mu.Unlock()

	metrics.DeploymentsInProgress.Inc()
	go o.run(ctx, dep)

	return dep, nil
}

// collectImages returns the images this deployment will actually exercise,
// deduplicated, in pull order: agent target image, then GUI, then proxy. The
// agent target image is omitted when no agent is registered to run it, and
// the GUI/proxy images are omitted when no sidecar manager is configured to
// apply them — pulling an image nothing will use is pure waste.
func (o *Orchestrator) collectImages(dep *Deployment) []string {
	candidates := []string{}
	if dep.TargetImage != "" && len(o.registry.List()) > 0 {
		candidates = append(candidates, dep.TargetImage)
	}
	if o.sidecar != nil {
		candidates = append(candidates, dep.GUIImage, dep.ProxyImage)
	}

	seen := make(map[string]bool, len(candidates))
	var out []string
	for _, img := range candidates {
		if img == "" || seen[img] {
			continue
		}
		seen[img] = true
		out = append(out, img)
	}
	return out
}

// currentImageRef returns the image reference rec's container is presently
// running, or ok=false if no such container exists.
func (o *Orchestrator) currentImageRef(ctx context.Context, rec *fleet.Record) (string, bool) {
	c, err := o.docker.InspectContainer(ctx, rec.Name)
	if err != nil || c.Config == nil {
		return "", false
	}
	return c.Config.Image, true
}

// imageChanged compares currentRef's locally-resolved digest against
// targetRef's, per §4.4: "compare its running-container digest against the
// locally-resolved digest of the notification's new tag". Identical
// references are trivially unchanged without a digest lookup.
func (o *Orchestrator) imageChanged(ctx context.Context, currentRef, targetRef string) (bool, error) {
	if currentRef == targetRef {
		return false, nil
	}
	currentDigest, err := o.docker.ImageDigest(ctx, currentRef)
	if err != nil {
		metrics.ImageChecksTotal.WithLabelValues("error").Inc()
		return false, err
	}
	targetDigest, err := o.docker.ImageDigest(ctx, targetRef)
	if err != nil {
		metrics.ImageChecksTotal.WithLabelValues("error").Inc()
		return false, err
	}
	changed := currentDigest != targetDigest
	if changed {
		metrics.ImageChecksTotal.WithLabelValues("changed").Inc()
	} else {
		metrics.ImageChecksTotal.WithLabelValues("unchanged").Inc()
	}
	return changed, nil
}

// agentImageChanged reports whether any registered agent is running
// something other than dep's target image, by comparing running-container
// digests against the freshly-pulled target digest. Returns false with no
// error when dep carries no agent target image at all (a GUI/proxy-only
// notification), and when no registered agent has a container to compare
// against (nothing running yet is not a reason to roll out).
func (o *Orchestrator) agentImageChanged(ctx context.Context, dep *Deployment) (bool, error) {
	if dep.TargetImage == "" {
		return false, nil
	}
	for _, rec := range o.registry.List() {
		currentRef, found := o.currentImageRef(ctx, rec)
		if !found {
			continue
		}
		changed, err := o.imageChanged(ctx, currentRef, dep.TargetImage)
		if err != nil {
			return false, err
		}
		if changed {
			return true, nil
		}
	}
	return false, nil
}

// run executes a deployment's full sequence — image pull, change
// detection, wave fan-out, phase gating — updating dep in place and
// persisting after every state change.
func (o *Orchestrator) run(ctx context.Context, dep *Deployment) {
	started := o.clock.Now()
	defer func() {
		metrics.DeploymentsInProgress.Dec()
		metrics.DeploymentDuration.Observe(o.clock.Now().Sub(started).Seconds())
		o.mu.Lock()
		status := dep.Status
		if o.currentID == dep.ID {
			o.currentID = ""
		}
		o.saveLocked()
		o.mu.Unlock()
		metrics.DeploymentsTotal.WithLabelValues(string(status)).Inc()
	}()

	for _, img := range o.collectImages(dep) {
		if err := o.docker.PullImage(ctx, img); err != nil {
			metrics.ImageChecksTotal.WithLabelValues("pull_failed").Inc()
			o.finish(dep, StatusFailed, fmt.Sprintf("pull %s: %v", img, err))
			return
		}
	}

	agentChanged, err := o.agentImageChanged(ctx, dep)
	if err != nil {
		o.finish(dep, StatusFailed, err.Error())
		return
	}
	guiOrProxyChanged := dep.GUIImage != "" || dep.ProxyImage != ""

	if !agentChanged && !guiOrProxyChanged {
		o.completeNoOp(dep)
		return
	}

	o.setStatus(dep, StatusInProgress, "")
	startedAt := o.clock.Now()
	o.mu.Lock()
	dep.StartedAt = &startedAt
	o.saveLocked()
	o.mu.Unlock()

	if !agentChanged {
		// Only the GUI and/or proxy tag changed — skip the agent state
		// machine entirely.
		o.runSidecarOnly(ctx, dep)
		return
	}

	groups := o.registry.GetByCanaryGroup()

	var order []string
	var totalTargets int
	switch dep.Strategy {
	case StrategyCanary:
		order = canaryOrder
		totalTargets = len(groups[fleet.GroupExplorer]) + len(groups[fleet.GroupEarlyAdopter]) + len(groups[fleet.GroupGeneral])
		if totalTargets == 0 {
			o.finish(dep, StatusFailed, "No agents assigned to canary groups")
			return
		}
	default:
		order = []string{""}
		for _, recs := range groups {
			totalTargets += len(recs)
		}
	}

	o.mu.Lock()
	dep.AgentsTotal = totalTargets
	o.saveLocked()
	o.mu.Unlock()

	for _, wave := range order {
		select {
		case <-ctx.Done():
			o.finish(dep, StatusFailed, ctx.Err().Error())
			return
		default:
		}

		var targets []*fleet.Record
		if wave == "" {
			for _, g := range []string{fleet.GroupExplorer, fleet.GroupEarlyAdopter, fleet.GroupGeneral, fleet.GroupUnassigned} {
				targets = append(targets, groups[g]...)
			}
		} else {
			targets = groups[wave]
		}

		o.mu.Lock()
		dep.CurrentWave = wave
		dep.Phase = phaseLabel(wave)
		o.saveLocked()
		o.mu.Unlock()

		if len(targets) == 0 {
			continue
		}

		updates := o.runWave(ctx, dep, targets)

		o.mu.Lock()
		for _, rec := range targets {
			update := updates[rec.Key.String()]
			metrics.AgentUpdatesTotal.WithLabelValues(string(update.Outcome)).Inc()
			dep.Agents[rec.Key.String()] = update
			switch update.Outcome {
			case OutcomeUpdated, OutcomeNotified:
				dep.AgentsUpdated++
			case OutcomeDeferred:
				dep.AgentsDeferred++
			case OutcomeFailed, OutcomeRejected, OutcomeRolledBack:
				dep.AgentsFailed++
			}
		}
		o.saveLocked()
		o.mu.Unlock()

		// The canary phase gate is a barrier on the whole wave, not a
		// per-agent rollback decision: a failure at explorers or
		// early_adopters aborts the deployment before any later wave ever
		// receives a shutdown RPC.
		if dep.Strategy == StrategyCanary && (wave == fleet.GroupExplorer || wave == fleet.GroupEarlyAdopter) && waveFailed(updates) {
			label := "Explorer phase failed"
			if wave == fleet.GroupEarlyAdopter {
				label = "Early adopter phase failed"
			}
			metrics.HealthGateFailuresTotal.WithLabelValues(wave + "_phase_failed").Inc()
			o.finish(dep, StatusFailed, label+": health gate did not clear for this wave, remaining waves aborted")
			return
		}

		if wave != "" {
			wait := waitAfter(wave)
			if wait > 0 {
				select {
				case <-o.clock.After(wait):
				case <-ctx.Done():
					o.finish(dep, StatusFailed, ctx.Err().Error())
					return
				}
			}
		}
	}

	o.mu.Lock()
	dep.CurrentWave = ""
	dep.Phase = "complete"
	now := o.clock.Now()
	dep.CompletedAt = &now
	if dep.AgentsFailed > 0 {
		dep.Status = StatusFailed
	} else {
		dep.Status = StatusCompleted
	}
	dep.UpdatedAt = now
	o.saveLocked()
	o.mu.Unlock()
}

// waveFailed reports whether any agent in a wave's results failed outright
// or had to be rolled back after the health gate didn't clear.
func waveFailed(updates map[string]*AgentUpdate) bool {
	for _, u := range updates {
		if u.Outcome == OutcomeFailed || u.Outcome == OutcomeRolledBack {
			return true
		}
	}
	return false
}

// runWave fans out updateAgent across targets concurrently and collects
// every result before returning; the per-agent admission lock still
// serializes repeat attempts against the same agent across deployments.
func (o *Orchestrator) runWave(ctx context.Context, dep *Deployment, targets []*fleet.Record) map[string]*AgentUpdate {
	results := make(map[string]*AgentUpdate, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, rec := range targets {
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			update := o.updateAgent(ctx, dep, rec)
			mu.Lock()
			results[rec.Key.String()] = update
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// runSidecarOnly executes the GUI/proxy-only update path: it recreates the
// front-end containers directly via internal/sidecar without touching any
// agent or issuing any agent RPC.
func (o *Orchestrator) runSidecarOnly(ctx context.Context, dep *Deployment) {
	if o.sidecar == nil {
		o.finish(dep, StatusFailed, "sidecar manager not configured, cannot apply GUI/proxy-only update")
		return
	}
	if dep.GUIImage != "" {
		if err := o.sidecar.Update(ctx, sidecar.KindGUI, o.guiNamePattern, dep.GUIImage, dep.TargetVersion); err != nil {
			o.finish(dep, StatusFailed, fmt.Sprintf("gui update: %v", err))
			return
		}
	}
	if dep.ProxyImage != "" {
		if err := o.sidecar.Update(ctx, sidecar.KindProxy, o.proxyNamePattern, dep.ProxyImage, dep.TargetVersion); err != nil {
			o.finish(dep, StatusFailed, fmt.Sprintf("proxy update: %v", err))
			return
		}
	}

	o.mu.Lock()
	dep.AgentsTotal = 0
	dep.Phase = "complete"
	dep.Status = StatusCompleted
	dep.Message = "GUI/proxy updated, no agent changes required"
	now := o.clock.Now()
	dep.CompletedAt = &now
	dep.UpdatedAt = now
	o.saveLocked()
	o.mu.Unlock()
}

// completeNoOp finishes dep immediately: neither the agent image nor the
// GUI/proxy images changed, so there is nothing to do.
func (o *Orchestrator) completeNoOp(dep *Deployment) {
	o.mu.Lock()
	dep.AgentsTotal = 0
	dep.Status = StatusCompleted
	dep.Phase = "complete"
	dep.Message = "No update needed - images unchanged"
	now := o.clock.Now()
	dep.CompletedAt = &now
	dep.UpdatedAt = now
	o.saveLocked()
	o.mu.Unlock()
}

// finish marks dep failed (or another terminal status) with errMsg.
func (o *Orchestrator) finish(dep *Deployment, status DeploymentStatus, errMsg string) {
	o.mu.Lock()
	dep.Status = status
	dep.Error = errMsg
	dep.Phase = "complete"
	dep.CurrentWave = ""
	now := o.clock.Now()
	dep.CompletedAt = &now
	dep.UpdatedAt = now
	o.saveLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) setStatus(dep *Deployment, status DeploymentStatus, errMsg string) {
	o.mu.Lock()
	dep.Status = status
	dep.Error = errMsg
	dep.UpdatedAt = o.clock.Now()
	o.saveLocked()
	o.mu.Unlock()
}

// updateAgent drives one agent through the shutdown-notify / container-
// recreate / health-gate protocol. It never returns an error: every
// outcome, including failure, is reported through the returned
// AgentUpdate so a single agent's trouble never aborts the wave.
func (o *Orchestrator) updateAgent(ctx context.Context, dep *Deployment, rec *fleet.Record) *AgentUpdate {
	keyStr := rec.Key.String()
	update := &AgentUpdate{
		AgentKeyString: keyStr,
		FromVersion:    rec.Version,
		ToVersion:      dep.TargetVersion,
		StartedAt:      o.clock.Now(),
	}
	defer func() {
		metrics.AgentUpdateDuration.Observe(o.clock.Now().Sub(update.StartedAt).Seconds())
	}()

	if !o.tryLock(keyStr) {
		update.Outcome = OutcomeFailed
		update.Error = ErrUpdateInProgress.Error()
		update.FinishedAt = o.clock.Now()
		return update
	}
	defer o.unlock(keyStr)

	currentRef, found := o.currentImageRef(ctx, rec)
	if found {
		changed, err := o.imageChanged(ctx, currentRef, dep.TargetImage)
		if err != nil {
			update.Outcome = OutcomeFailed
			update.Error = err.Error()
			update.FinishedAt = o.clock.Now()
			return update
		}
		if !changed {
			update.Outcome = OutcomeSkipped
			update.FinishedAt = o.clock.Now()
			return update
		}
	} else {
		// No running container to recreate — nothing for this update to do.
		update.Outcome = OutcomeSkipped
		update.FinishedAt = o.clock.Now()
		return update
	}

	token, err := o.cipher.Decrypt(rec.EncryptedToken)
	if err != nil {
		update.Outcome = OutcomeRejected
		update.Error = fmt.Sprintf("authentication failed: decrypt service token: %v", err)
		update.FinishedAt = o.clock.Now()
		return update
	}

	headers, err := o.authenticatedHeaders(ctx, keyStr, token, rec)
	if err != nil {
		var de *deferredError
		if errors.As(err, &de) {
			update.Outcome = OutcomeDeferred
			update.Error = err.Error()
		} else {
			update.Outcome = OutcomeRejected
			update.Error = "authentication failed: " + err.Error()
		}
		update.FinishedAt = o.clock.Now()
		return update
	}

	baseURL := "http://" + rec.HostOrDefault() + ":" + strconv.Itoa(rec.Port)

	shutdownOutcome, err := o.agentClient.RequestShutdown(ctx, baseURL, headers, "scheduled deployment "+dep.ID)
	if err != nil && shutdownOutcome == ShutdownRejected {
		update.Outcome = OutcomeRejected
		update.Error = err.Error()
		update.FinishedAt = o.clock.Now()
		return update
	}

	if err := SetServiceImage(rec.ComposePath, rec.Name, dep.TargetImage); err != nil {
		o.log.Warn("orchestrator: compose file rewrite failed, proceeding with direct recreate", "agent", keyStr, "error", err)
	}

	snapshot, err := o.recreateContainer(ctx, rec, dep.TargetImage)
	if err != nil {
		update.Outcome = OutcomeFailed
		update.Error = err.Error()
		update.FinishedAt = o.clock.Now()
		return update
	}

	stable, err := o.healthGate.Await(ctx, rec.Key, baseURL, headers)
	if err != nil {
		update.Outcome = OutcomeFailed
		update.Error = err.Error()
		update.FinishedAt = o.clock.Now()
		return update
	}
	if !stable {
		if rbErr := o.rollbackFromSnapshot(ctx, rec, snapshot); rbErr != nil {
			update.Outcome = OutcomeFailed
			update.Error = fmt.Sprintf("health gate failed, rollback also failed: %v", rbErr)
		} else {
			update.Outcome = OutcomeRolledBack
			update.Error = "agent did not reach a stable WORK phase after update"
		}
		update.FinishedAt = o.clock.Now()
		return update
	}

	_ = o.registry.UpdateState(rec.Key, dep.TargetVersion, fleet.CognitiveWork)
	update.ReachedWork = true

	switch shutdownOutcome {
	case ShutdownUncertain:
		update.Outcome = OutcomeNotified
	default:
		update.Outcome = OutcomeUpdated
	}
	update.FinishedAt = o.clock.Now()

	o.notifier.Notify(ctx, notify.Event{
		Type:          notify.EventUpdateSucceeded,
		ContainerName: rec.Name,
		NewImage:      dep.TargetImage,
		Timestamp:     o.clock.Now(),
	})

	return update
}

// authenticatedHeaders builds the Authorization header for rec, probing
// for the credential format the agent expects the first time it's seen,
// and honoring the backoff/circuit-breaker tracker. A circuit-open or
// backoff-active condition is reported as a deferredError: the agent
// should be retried on a future deployment, not treated as having
// rejected this one.
func (o *Orchestrator) authenticatedHeaders(ctx context.Context, keyStr, token string, rec *fleet.Record) (map[string]string, error) {
	if o.authTracker.IsCircuitOpen(keyStr) {
		return nil, &deferredError{fmt.Sprintf("agent %s auth circuit open, manual reset required", keyStr)}
	}
	if ok, wait := o.authTracker.CanAttempt(keyStr); !ok {
		return nil, &deferredError{fmt.Sprintf("agent %s in auth backoff, retry in %s", keyStr, wait)}
	}

	format := o.authTracker.CachedFormat(keyStr)
	if format == agentauth.FormatUnknown {
		baseURL := "http://" + rec.HostOrDefault() + ":" + strconv.Itoa(rec.Port)
		probe := func(ctx context.Context, headers map[string]string) (bool, error) {
			_, err := o.agentClient.Health(ctx, baseURL, headers)
			return err == nil, nil
		}
		detected, err := o.authTracker.DetectFormat(ctx, keyStr, token, probe)
		if err != nil {
			o.authTracker.RecordFailure(keyStr)
			return nil, fmt.Errorf("no accepted credential format for agent %s: %w", keyStr, err)
		}
		format = detected
	}

	o.authTracker.RecordSuccess(keyStr)
	return agentauth.HeadersFor(format, token), nil
}
