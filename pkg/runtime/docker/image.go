package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"actionworker/internal/model"
	"actionworker/pkg/logger"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"
)

// ensureImage makes ref available locally and returns its digests. The image
// is pulled when missing, or always when AlwaysPull is set.
func (a *Adapter) ensureImage(ctx context.Context, ref string, alwaysPull bool) (model.ImageInfo, error) {
	if !alwaysPull {
		inspect, _, err := a.api.ImageInspectWithRaw(ctx, ref)
		if err == nil {
			return imageInfo(inspect), nil
		}
		if !isNotFound(err) {
			return model.ImageInfo{}, fmt.Errorf("failed to inspect image %s: %w", ref, err)
		}
		logger.InfoCtx(ctx, "image %s not present locally, pulling", ref)
	}

	if err := a.pull(ctx, ref); err != nil {
		return model.ImageInfo{}, err
	}

	inspect, _, err := a.api.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return model.ImageInfo{}, fmt.Errorf("image %s not found, could not start container: %w", ref, err)
	}
	return imageInfo(inspect), nil
}

func (a *Adapter) pull(ctx context.Context, ref string) error {
	auth, err := a.registryAuth()
	if err != nil {
		return err
	}

	logger.InfoCtx(ctx, "pulling image: %s", ref)
	rc, err := a.api.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()

	if err := drainPullProgress(ctx, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// drainPullProgress consumes the pull stream, which only completes the pull
// once read to the end, and surfaces an error message embedded in it.
func drainPullProgress(ctx context.Context, r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.Status != "" {
			logger.DebugCtx(ctx, "pull %s %s", msg.ID, msg.Status)
		}
	}
}

// registryAuth encodes the configured credentials, empty for anonymous pulls
func (a *Adapter) registryAuth() (string, error) {
	reg := a.opts.Registry
	if reg.Username == "" {
		return "", nil
	}
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      reg.Username,
		Password:      reg.Password,
		ServerAddress: reg.ServerAddress,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registry credentials: %w", err)
	}
	return auth, nil
}

func imageInfo(inspect types.ImageInspect) model.ImageInfo {
	return model.ImageInfo{
		RepoDigests: inspect.RepoDigests,
		Sha:         inspect.ID,
	}
}
