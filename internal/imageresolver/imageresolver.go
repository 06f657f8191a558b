// Package imageresolver determines whether an agent's running container
// image has fallen behind the image reference an orchestrator update
// targets, by comparing a local digest (from the container runtime) against
// a remote digest (from the image's registry).
package imageresolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/fleetops/agentmanager/internal/docker"
	"github.com/fleetops/agentmanager/internal/logging"
	"github.com/fleetops/agentmanager/internal/metrics"
	"github.com/fleetops/agentmanager/internal/registry"
)

// Resolver resolves local and remote image digests and decides whether an
// update is warranted.
type Resolver struct {
	docker  docker.API
	tracker *registry.RateLimitTracker
	log     *logging.Logger
}

// New constructs a Resolver. tracker may be nil to disable rate-limit
// awareness (every request proceeds unconditionally).
func New(d docker.API, tracker *registry.RateLimitTracker, log *logging.Logger) *Resolver {
	return &Resolver{docker: d, tracker: tracker, log: log}
}

// Decision is the outcome of comparing an image's local and remote digests.
type Decision struct {
	ImageRef        string
	LocalDigest     string
	RemoteDigest    string
	UpdateAvailable bool
	// Skipped is true when the reference can't be meaningfully checked
	// against a registry (locally built image, or pinned by digest).
	Skipped bool
	Err     error
}

// Resolve compares imageRef's locally running digest against the registry's
// current digest for the same reference. A remote lookup failure (auth
// rejection, registry unreachable, 404) is treated as "no update available"
// rather than an error — the orchestrator must not act on registry flakes.
func (r *Resolver) Resolve(ctx context.Context, imageRef string) Decision {
	d := Decision{ImageRef: imageRef}
	defer func() {
		switch {
		case d.Err != nil:
			metrics.ImageChecksTotal.WithLabelValues("error").Inc()
		case d.UpdateAvailable:
			metrics.ImageChecksTotal.WithLabelValues("changed").Inc()
		default:
			metrics.ImageChecksTotal.WithLabelValues("unchanged").Inc()
		}
	}()

	if docker.IsLocalImage(imageRef) || strings.Contains(imageRef, "@sha256:") {
		d.Skipped = true
		return d
	}

	localDigest, err := r.docker.ImageDigest(ctx, imageRef)
	if err != nil {
		d.Err = fmt.Errorf("imageresolver: local digest for %s: %w", imageRef, err)
		return d
	}
	d.LocalDigest = localDigest

	host := registry.RegistryHost(imageRef)
	if r.tracker != nil {
		if ok, wait := r.tracker.CanProceed(host, 2); !ok {
			if r.log != nil {
				r.log.Debug("imageresolver: registry rate-limited, deferring", "host", host, "wait", wait)
			}
			d.Skipped = true
			return d
		}
	}

	remoteDigest, err := r.docker.DistributionDigest(ctx, imageRef)
	if err != nil {
		if r.log != nil {
			r.log.Debug("imageresolver: remote digest lookup failed, treating as no update", "image", imageRef, "error", err)
		}
		d.Skipped = true
		return d
	}
	d.RemoteDigest = remoteDigest
	d.UpdateAvailable = !sameDigest(localDigest, remoteDigest)
	return d
}

// sameDigest compares two digests after stripping any "repo@" prefix —
// local digests from docker inspect are of the form
// "docker.io/library/nginx@sha256:...", remote digests are bare
// "sha256:...".
func sameDigest(a, b string) bool {
	return extractHash(a) == extractHash(b)
}

func extractHash(digest string) string {
	if i := strings.LastIndex(digest, "sha256:"); i >= 0 {
		return digest[i:]
	}
	return digest
}

// RemoteDigestWithAuth resolves the manifest digest directly against the
// registry named reference (bypassing the Docker daemon's own credential
// store), using cred if the registry requires authentication. This is the
// ghcr.io-capable path: GHCR issues bearer tokens from a Basic-auth
// exchange keyed on a GitHub personal access token, mirroring the upstream
// registry's own token-exchange handshake for private images.
func RemoteDigestWithAuth(ctx context.Context, imageRef string, cred *registry.RegistryCredential) (string, error) {
	host := registry.RegistryHost(imageRef)
	repo := registry.RepoPath(imageRef)
	tag := registry.ExtractTag(imageRef)

	token, err := registry.FetchToken(ctx, repo, cred, host)
	if err != nil {
		return "", fmt.Errorf("imageresolver: fetch token for %s: %w", imageRef, err)
	}

	digest, _, err := registry.ManifestDigest(ctx, repo, tag, token, host, cred)
	if err != nil {
		return "", fmt.Errorf("imageresolver: manifest digest for %s: %w", imageRef, err)
	}
	return digest, nil
}
