package worker

import (
	"context"
	"os"

	getter "github.com/hashicorp/go-getter"

	"github.com/teranos/weft/errors"
)

// fetchArtifact downloads src to dst using go-getter, so connectors can
// reference modules and inputs by URL (http, git, s3, ...) as well as by
// local path. mode decides whether dst is a file or a directory.
func fetchArtifact(ctx context.Context, src, dst string, mode getter.ClientMode) error {
	pwd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "resolving working directory")
	}

	detected, err := getter.Detect(src, pwd, getter.Detectors)
	if err != nil {
		return errors.Wrapf(err, "detecting artifact source %q", src)
	}

	client := &getter.Client{
		Ctx:     ctx,
		Src:     detected,
		Dst:     dst,
		Mode:    mode,
		Getters: getter.Getters,
	}
	if err := client.Get(); err != nil {
		return errors.Wrapf(err, "fetching %q", src)
	}
	return nil
}
