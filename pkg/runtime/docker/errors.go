package docker

import (
	"errors"
	"strings"

	"github.com/docker/docker/errdefs"
)

var (
	// ErrImageNotAllowed image outside the trusted namespace
	ErrImageNotAllowed = errors.New("image not allowed")
	// ErrRuntimeUnavailable daemon socket unreachable or not responding
	ErrRuntimeUnavailable = errors.New("docker socket not available or not responding")
)

func isNotFound(err error) bool {
	return err != nil && errdefs.IsNotFound(err)
}

func isVolumeInUse(err error) bool {
	if err == nil {
		return false
	}
	return errdefs.IsConflict(err) || strings.Contains(err.Error(), "volume is in use")
}

// isMissingGPUDriver matches the daemon's rejection of an nvidia device request
func isMissingGPUDriver(err error) bool {
	return err != nil && strings.Contains(err.Error(), "could not select device driver")
}
