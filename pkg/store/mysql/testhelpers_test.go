package mysql

import (
	"context"
	"testing"
	"time"

	"actionworker/pkg/store/mysql/model"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	ds, err := NewDatastore(sqlite.Open(":memory:"))
	require.NoError(t, err)
	require.NoError(t, ds.AutoMigrate())
	t.Cleanup(func() { _ = ds.Close() })
	return NewRepositoryWithDatastore(ds)
}

func seedAction(t *testing.T, repo *Repository, id string) *model.Action {
	t.Helper()
	ctx := context.Background()
	db := repo.GetDatastore().GetDB()

	require.NoError(t, db.Create(&model.Project{UUID: "p-1", Name: "project"}).Error)
	require.NoError(t, db.Create(&model.Mission{UUID: "m-1", Name: "mission", ProjectUUID: "p-1"}).Error)
	require.NoError(t, db.Create(&model.User{UUID: "u-1", Name: "alice"}).Error)
	require.NoError(t, db.Create(&model.ActionTemplate{
		UUID:       "t-1",
		Name:       "echo",
		Version:    3,
		ImageName:  "rslethz/echo:latest",
		CPUCores:   2,
		CPUMemory:  2,
		GPUMemory:  -1,
		MaxRuntime: 1,
		CreatedAt:  time.Now(),
	}).Error)

	action := &model.Action{
		UUID:         id,
		TemplateUUID: "t-1",
		MissionUUID:  "m-1",
		CreatorUUID:  "u-1",
	}
	require.NoError(t, repo.Action.Create(ctx, action))
	return action
}
