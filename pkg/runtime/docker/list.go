package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"actionworker/pkg/logger"
	"actionworker/pkg/status"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// ManagedContainer an action container present on the daemon
type ManagedContainer struct {
	ID       string
	Name     string
	ActionID string
	Created  time.Time
	State    string // created, running, exited, ...
	ExitCode *int   // set for exited containers when the daemon reports it
}

func (c ManagedContainer) Running() bool {
	return c.State == "running"
}

// ListManaged lists all containers, running or not, named with the action
// container prefix.
func (a *Adapter) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	prefix := a.opts.ContainerPrefix
	list, err := a.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %s", status.CleanRuntimeError(err))
	}

	out := make([]ManagedContainer, 0, len(list))
	for _, c := range list {
		// the name filter matches substrings
		var name string
		for _, n := range c.Names {
			n = strings.TrimPrefix(n, "/")
			if strings.HasPrefix(n, prefix) {
				name = n
				break
			}
		}
		if name == "" {
			continue
		}
		mc := ManagedContainer{
			ID:       c.ID,
			Name:     name,
			ActionID: strings.TrimPrefix(name, prefix),
			Created:  time.Unix(c.Created, 0),
			State:    c.State,
		}
		if c.State == "exited" {
			mc.ExitCode = a.exitCode(ctx, c.ID)
		}
		out = append(out, mc)
	}
	return out, nil
}

// exitCode inspects an exited container; nil when it cannot be determined
func (a *Adapter) exitCode(ctx context.Context, id string) *int {
	inspect, err := a.api.ContainerInspect(ctx, id)
	if err != nil {
		logger.DebugCtx(ctx, "failed to inspect exited container %s: %v", id, err)
		return nil
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return nil
	}
	code := inspect.State.ExitCode
	return &code
}
