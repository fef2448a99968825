package rootfscache

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// ImageConfig is the subset of the OCI image config used to seed an
// instance: its default command, environment and working directory.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	Workdir    string
	User       string
}

// PullFunc fetches a digest-pinned image and returns its flattened
// filesystem as a tar stream.
type PullFunc func(ctx context.Context, ref Reference) (io.ReadCloser, ImageConfig, error)

func pullFromRegistry(ctx context.Context, ref Reference) (io.ReadCloser, ImageConfig, error) {
	digestRef, err := name.NewDigest(ref.Raw)
	if err != nil {
		return nil, ImageConfig{}, fmt.Errorf("parse image reference %q: %w", ref.Raw, err)
	}

	platform := linuxPlatformForArch(runtime.GOARCH)
	img, err := remote.Image(digestRef,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithPlatform(platform),
	)
	if err != nil {
		return nil, ImageConfig{}, fmt.Errorf("pull image %q: %w", ref.Raw, err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, ImageConfig{}, fmt.Errorf("read image config for %q: %w", ref.Raw, err)
	}

	return mutate.Extract(img), ImageConfig{
		Entrypoint: append([]string(nil), cfg.Config.Entrypoint...),
		Cmd:        append([]string(nil), cfg.Config.Cmd...),
		Env:        append([]string(nil), cfg.Config.Env...),
		Workdir:    cfg.Config.WorkingDir,
		User:       cfg.Config.User,
	}, nil
}

func linuxPlatformForArch(goArch string) v1.Platform {
	p := v1.Platform{OS: "linux", Architecture: goArch}
	if goArch == "arm64" {
		p.Variant = "v8"
	}
	return p
}
