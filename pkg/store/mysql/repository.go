package mysql

import (
	"actionworker/pkg/config"
)

// Repository aggregates all repositories
type Repository struct {
	ds *Datastore

	Action *ActionRepository
	Worker *WorkerRepository
	ApiKey *ApiKeyRepository
}

// NewRepository opens the configured database and builds all sub-repositories
func NewRepository(cfg config.DatabaseConfig) (*Repository, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	ds, err := NewDatastore(dialector)
	if err != nil {
		return nil, err
	}
	return NewRepositoryWithDatastore(ds), nil
}

// NewRepositoryWithDatastore builds sub-repositories on an open datastore
func NewRepositoryWithDatastore(ds *Datastore) *Repository {
	return &Repository{
		ds:     ds,
		Action: NewActionRepository(ds),
		Worker: NewWorkerRepository(ds),
		ApiKey: NewApiKeyRepository(ds),
	}
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
