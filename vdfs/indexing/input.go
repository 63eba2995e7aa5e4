package indexing

import (
	"fmt"

	"github.com/google/uuid"
)

// IndexMode selects how deep an index run goes.
type IndexMode string

const (
	// ModeShallow indexes metadata only.
	ModeShallow IndexMode = "shallow"
	// ModeContent additionally assigns CAS content identities.
	ModeContent IndexMode = "content"
	// ModeDeep is ModeContent plus derived-work dispatch (thumbnails)
	// once entries are committed.
	ModeDeep IndexMode = "deep"
)

// IndexScope bounds traversal.
type IndexScope string

const (
	// ScopeCurrent lists only the target directory itself.
	ScopeCurrent IndexScope = "current"
	// ScopeRecursive walks the whole subtree.
	ScopeRecursive IndexScope = "recursive"
)

// IndexPersistence selects the storage backend for results.
type IndexPersistence string

const (
	// PersistEphemeral stores results in the session arena only.
	PersistEphemeral IndexPersistence = "ephemeral"
	// PersistDatabase writes the library database.
	PersistDatabase IndexPersistence = "database"
)

// IndexInput constructs an indexer job. LibraryID scopes the entries of
// this location within the library database.
type IndexInput struct {
	LibraryID     uuid.UUID        `json:"libraryId"`
	Paths         []string         `json:"paths"`
	Mode          IndexMode        `json:"mode"`
	Scope         IndexScope       `json:"scope"`
	IncludeHidden bool             `json:"includeHidden"`
	Persistence   IndexPersistence `json:"persistence"`
}

// Validate fills defaults and rejects inconsistent inputs.
func (in *IndexInput) Validate() error {
	if len(in.Paths) == 0 {
		return fmt.Errorf("at least one path is required")
	}
	if in.Mode == "" {
		in.Mode = ModeShallow
	}
	if in.Scope == "" {
		in.Scope = ScopeRecursive
	}
	if in.Persistence == "" {
		in.Persistence = PersistDatabase
	}
	switch in.Mode {
	case ModeShallow, ModeContent, ModeDeep:
	default:
		return fmt.Errorf("unknown index mode %q", in.Mode)
	}
	switch in.Scope {
	case ScopeCurrent, ScopeRecursive:
	default:
		return fmt.Errorf("unknown index scope %q", in.Scope)
	}
	switch in.Persistence {
	case PersistEphemeral, PersistDatabase:
	default:
		return fmt.Errorf("unknown persistence %q", in.Persistence)
	}
	if in.Persistence == PersistDatabase && in.LibraryID == uuid.Nil {
		return fmt.Errorf("library id is required for database persistence")
	}
	if in.Persistence == PersistEphemeral && in.Mode != ModeShallow {
		// Ephemeral sessions have nowhere to durably attach content
		// identities or derived work.
		return fmt.Errorf("ephemeral indexing supports shallow mode only")
	}
	return nil
}
