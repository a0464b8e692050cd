package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"actionworker/internal/model"
	"actionworker/pkg/runtime/docker"
	storemodel "actionworker/pkg/store/mysql/model"
)

// memActions is an in-memory ActionStore enforcing the state machine
type memActions struct {
	mu      sync.Mutex
	rows    map[string]*storemodel.Action
	history map[string][]model.ActionState
	appends map[string]int
	mutates int
}

func newMemActions(actions ...*storemodel.Action) *memActions {
	s := &memActions{
		rows:    make(map[string]*storemodel.Action),
		history: make(map[string][]model.ActionState),
		appends: make(map[string]int),
	}
	for _, a := range actions {
		cp := *a
		s.rows[a.UUID] = &cp
		s.history[a.UUID] = []model.ActionState{a.State}
	}
	return s
}

func (s *memActions) Get(ctx context.Context, id string) (*storemodel.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *memActions) Mutate(ctx context.Context, id string, fn func(*storemodel.Action) error) (*storemodel.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("action %s not found", id)
	}
	next := *row
	next.Logs = append(storemodel.ContainerLogs(nil), row.Logs...)
	if err := fn(&next); err != nil {
		return nil, err
	}
	if err := model.CheckTransition(row.State, next.State); err != nil {
		return nil, err
	}
	next.Version = row.Version + 1
	if next.State != row.State {
		s.history[id] = append(s.history[id], next.State)
	}
	s.rows[id] = &next
	s.mutates++
	cp := next
	return &cp, nil
}

func (s *memActions) AppendLogs(ctx context.Context, id string, logs []model.ContainerLog) error {
	_, err := s.Mutate(ctx, id, func(a *storemodel.Action) error {
		a.Logs = append(a.Logs, logs...)
		return nil
	})
	if err == nil {
		s.mu.Lock()
		s.appends[id]++
		s.mu.Unlock()
	}
	return err
}

func (s *memActions) ListByWorker(ctx context.Context, workerUUID string, states ...model.ActionState) ([]*storemodel.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storemodel.Action
	for _, row := range s.rows {
		if row.WorkerUUID == nil || *row.WorkerUUID != workerUUID {
			continue
		}
		for _, st := range states {
			if row.State == st {
				cp := *row
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (s *memActions) GetMany(ctx context.Context, ids []string) (map[string]*storemodel.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*storemodel.Action)
	for _, id := range ids {
		if row, ok := s.rows[id]; ok {
			cp := *row
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *memActions) row(id string) storemodel.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *memActions) states(id string) []model.ActionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ActionState(nil), s.history[id]...)
}

func (s *memActions) mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutates
}

// fakeKeys records issued and revoked api keys
type fakeKeys struct {
	mu        sync.Mutex
	created   []*storemodel.ApiKey
	revoked   map[string]int
	createErr error
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{revoked: make(map[string]int)}
}

func (k *fakeKeys) Create(ctx context.Context, key *storemodel.ApiKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.createErr != nil {
		return k.createErr
	}
	k.created = append(k.created, key)
	return nil
}

func (k *fakeKeys) Revoke(ctx context.Context, id string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.revoked[id]++
	return nil
}

func (k *fakeKeys) issued() []*storemodel.ApiKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*storemodel.ApiKey(nil), k.created...)
}

func (k *fakeKeys) revocations(id string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.revoked[id]
}

// fakeFolders is an artifact store handing out sequential folder ids
type fakeFolders struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (f *fakeFolders) CreateFolder(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.names = append(f.names, name)
	return fmt.Sprintf("folder-%d", len(f.names)), nil
}

func (f *fakeFolders) FolderURL(id string) string {
	return "https://drive.example/folders/" + id
}

// fakeRuntime plays one container run per StartContainer call
type fakeRuntime struct {
	mu sync.Mutex

	startErr    error
	lines       []model.ContainerLog
	echoEnv     string
	streamErr   error
	exitCode    int
	waitErr     error
	uploadCode  int
	uploadErr   error
	managed     []docker.ManagedContainer
	lastOpts    docker.StartOptions
	removed     []string
	volumes     []string
	killed      []string
	uploadedFor []string
}

func (r *fakeRuntime) StartContainer(ctx context.Context, opts docker.StartOptions, onRunning docker.RunningFunc) (docker.ContainerInfo, error) {
	r.mu.Lock()
	r.lastOpts = opts
	startErr := r.startErr
	r.mu.Unlock()
	if startErr != nil {
		return docker.ContainerInfo{}, startErr
	}
	info := docker.ContainerInfo{
		ID:        "c-" + opts.ActionID,
		Name:      "kleinkram-user-action-" + opts.ActionID,
		Image:     model.ImageInfo{RepoDigests: []string{"rslethz/echo@sha256:abc"}, Sha: "sha256:abc"},
		StartedAt: time.Now(),
	}
	if err := onRunning(ctx, info); err != nil {
		return docker.ContainerInfo{}, err
	}
	return info, nil
}

func (r *fakeRuntime) SubscribeLogs(ctx context.Context, id string, sanitize docker.SanitizeFunc) (<-chan model.ContainerLog, <-chan error) {
	r.mu.Lock()
	lines := append([]model.ContainerLog(nil), r.lines...)
	if r.echoEnv != "" {
		v := r.lastOpts.Env[r.echoEnv]
		lines = append(lines, model.ContainerLog{
			Timestamp: time.Now(),
			Message:   "using " + v + " then " + v + v,
			Type:      model.LogStreamStderr,
		})
	}
	streamErr := r.streamErr
	r.mu.Unlock()

	out := make(chan model.ContainerLog)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(out)
		for _, l := range lines {
			l.Message = sanitize(l.Message)
			out <- l
		}
		if streamErr != nil {
			errc <- streamErr
		}
	}()
	return out, errc
}

func (r *fakeRuntime) Wait(ctx context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode, r.waitErr
}

func (r *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return nil
}

func (r *fakeRuntime) RemoveVolume(ctx context.Context, actionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes = append(r.volumes, actionID)
	return nil
}

func (r *fakeRuntime) KillAndRemove(ctx context.Context, id string, removeVolume bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, id)
	kept := r.managed[:0]
	for _, c := range r.managed {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	r.managed = kept
	return nil
}

func (r *fakeRuntime) ListManaged(ctx context.Context) ([]docker.ManagedContainer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]docker.ManagedContainer(nil), r.managed...), nil
}

func (r *fakeRuntime) RunArtifactUploader(ctx context.Context, actionID, folderID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploadedFor = append(r.uploadedFor, actionID+"->"+folderID)
	return r.uploadCode, r.uploadErr
}

func (r *fakeRuntime) killedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.killed...)
}

// staticWorker is a registered worker with fixed hardware
type staticWorker struct {
	worker *storemodel.Worker
	desc   model.WorkerDescriptor
}

func (w staticWorker) Current() (*storemodel.Worker, model.WorkerDescriptor) {
	return w.worker, w.desc
}

func newStaticWorker() staticWorker {
	return staticWorker{
		worker: &storemodel.Worker{UUID: "w-1", Identifier: "node-a"},
		desc: model.WorkerDescriptor{
			Identifier:  "node-a",
			CPUCores:    8,
			CPUMemoryGB: 32,
			GPUMemoryGB: -1,
		},
	}
}

// fakeLock grants the lease unless busy is set
type fakeLock struct {
	busy     bool
	held     bool
	acquired int
}

func (l *fakeLock) TryLock(ctx context.Context) (bool, error) {
	if l.busy || l.held {
		return false, nil
	}
	l.held = true
	l.acquired++
	return true, nil
}

func (l *fakeLock) Unlock(ctx context.Context) error {
	l.held = false
	return nil
}

func (l *fakeLock) IsHeld() bool {
	return l.held
}

var errBoom = errors.New("boom")

func strPtr(s string) *string {
	return &s
}

// pendingAction is a fully loaded PENDING action assigned to w-1
func pendingAction(id string) *storemodel.Action {
	return &storemodel.Action{
		UUID:         id,
		TemplateUUID: "t-1",
		MissionUUID:  "m-1",
		CreatorUUID:  "u-1",
		WorkerUUID:   strPtr("w-1"),
		State:        model.ActionStatePending,
		Artifacts:    model.ArtifactStateNone,
		Template: &storemodel.ActionTemplate{
			UUID:         "t-1",
			Name:         "echo",
			Version:      3,
			ImageName:    "rslethz/echo:latest",
			Command:      "sh -c 'echo hello && exit 0'",
			CPUCores:     2,
			CPUMemory:    2,
			GPUMemory:    -1,
			MaxRuntime:   1,
			AccessRights: 10,
		},
		Mission: &storemodel.Mission{UUID: "m-1", ProjectUUID: "p-1", Project: &storemodel.Project{UUID: "p-1"}},
		Creator: &storemodel.User{UUID: "u-1"},
	}
}
