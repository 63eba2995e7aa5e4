package db

import (
	"fmt"
	"path/filepath"
)

// PathResolver rebuilds entry paths from parent pointers. Entries store no
// materialized path, so renames and moves touch exactly one row; the price
// is this walk, bounded by tree depth.
type PathResolver struct {
	store *Store
}

func NewPathResolver(store *Store) *PathResolver {
	return &PathResolver{store: store}
}

// GetFullPath returns the path of an entry relative to its location root.
// The root itself resolves to ".".
func (r *PathResolver) GetFullPath(id int64) (string, error) {
	var segments []string
	current, err := r.store.GetEntry(id)
	if err != nil {
		return "", err
	}
	if current == nil {
		return "", fmt.Errorf("entry %d not found", id)
	}

	for current.ParentID != nil {
		segments = append(segments, current.Name)
		current, err = r.store.GetEntry(*current.ParentID)
		if err != nil {
			return "", err
		}
		if current == nil {
			return "", fmt.Errorf("broken parent chain at entry %d", id)
		}
	}

	if len(segments) == 0 {
		return ".", nil
	}
	path := segments[len(segments)-1]
	for i := len(segments) - 2; i >= 0; i-- {
		path = filepath.Join(path, segments[i])
	}
	return path, nil
}

// GetAbsolutePath joins the location root path with the entry's relative
// path.
func (r *PathResolver) GetAbsolutePath(locationRoot string, id int64) (string, error) {
	rel, err := r.GetFullPath(id)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return filepath.Clean(locationRoot), nil
	}
	return filepath.Join(locationRoot, rel), nil
}
