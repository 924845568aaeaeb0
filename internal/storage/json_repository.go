package storage

// NewJSONRepository opens the file-backed datastore at path (typically
// data/store.json) and returns it behind the Repository interface so callers
// stay agnostic of the backend.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}
