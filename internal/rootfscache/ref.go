package rootfscache

import (
	"fmt"
	"regexp"
	"strings"
)

var sha256Hex = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Reference is a digest-pinned image reference, repo/image@sha256:<hex>.
type Reference struct {
	Raw        string
	Repository string
	Hex        string
}

func (r Reference) Digest() string {
	return "sha256:" + r.Hex
}

// ParseReference rejects tag-only references so cached rootfs trees are
// always keyed by content.
func ParseReference(raw string) (Reference, error) {
	ref := strings.TrimSpace(raw)
	repo, digest, ok := strings.Cut(ref, "@")
	if !ok {
		return Reference{}, fmt.Errorf("image %q is not digest-pinned (expected repo/image@sha256:<digest>)", ref)
	}
	repo = strings.TrimSpace(repo)
	if repo == "" || strings.ContainsAny(repo, " \t\r\n") {
		return Reference{}, fmt.Errorf("image %q has an invalid repository", ref)
	}
	algo, hex, ok := strings.Cut(strings.ToLower(strings.TrimSpace(digest)), ":")
	if !ok || algo != "sha256" || !sha256Hex.MatchString(hex) {
		return Reference{}, fmt.Errorf("image %q must carry a sha256 digest of 64 hex characters", ref)
	}
	return Reference{Raw: ref, Repository: repo, Hex: hex}, nil
}

// digestSelector accepts "sha256:<hex>" or a bare hex digest.
func digestSelector(selector string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(selector))
	s = strings.TrimPrefix(s, "sha256:")
	if !sha256Hex.MatchString(s) {
		return "", false
	}
	return "sha256:" + s, true
}
