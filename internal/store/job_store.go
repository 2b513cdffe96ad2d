package store

import (
	"github.com/docflow-io/docflow/internal/domain"
)

// JobStore is the shared record of every submitted job. Implementations
// must keep read-modify-write atomic per record: Update applies the
// mutator under the store's write lock and stamps UpdatedAt.
type JobStore interface {
	Put(job domain.Job)
	Get(id string) (domain.Job, error)
	Update(id string, mutate func(*domain.Job) error) (domain.Job, error)
	List(state string, page, perPage int) ([]domain.Job, int, error)
}
