package docker

import "strings"

// IsLocalImage reports whether the image reference is a locally built image
// that has no registry to check against. It returns false for every
// reference: names with a path or a registry host are remote, and bare
// single-segment names ("myapp:v1") are ambiguous with real Docker Hub
// official images ("nginx:latest") — a genuinely local image just fails its
// remote digest lookup and is treated as not updatable, same as a registry
// it can't reach.
func IsLocalImage(imageRef string) bool {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, ":"); i >= 0 {
		ref = ref[:i]
	}

	if strings.Contains(ref, "/") {
		return false
	}
	if strings.Contains(ref, ".") {
		return false
	}
	return false
}
