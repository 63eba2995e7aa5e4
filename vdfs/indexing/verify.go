package indexing

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/contentid"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/db"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// VerifyInput drives a consistency check between stored entries and the live
// filesystem.
type VerifyInput struct {
	LibraryID uuid.UUID `json:"libraryId"`
	Path      string    `json:"path"`
	// VerifyContent re-hashes files and compares against stored CAS ids.
	VerifyContent bool `json:"verifyContent"`
	// DetailedReport includes every mismatch; otherwise only counts.
	DetailedReport bool `json:"detailedReport"`
	// AutoFix repairs mismatches in place: stale entries are removed, drift
	// is re-stated, CAS mismatches re-hashed.
	AutoFix bool `json:"autoFix"`
}

// MismatchKind classifies one verification finding.
type MismatchKind string

const (
	// MismatchMissing is a stored entry with no file on disk.
	MismatchMissing MismatchKind = "missing"
	// MismatchExtra is a file on disk with no stored entry.
	MismatchExtra MismatchKind = "extra"
	// MismatchDrift is a size or mtime difference.
	MismatchDrift MismatchKind = "drift"
	// MismatchContent is a CAS id that no longer matches the file bytes.
	MismatchContent MismatchKind = "content"
)

// Mismatch is one verification finding.
type Mismatch struct {
	Kind   MismatchKind `json:"kind"`
	Path   string       `json:"path"`
	Detail string       `json:"detail,omitempty"`
	Fixed  bool         `json:"fixed,omitempty"`
}

// VerifyReport summarizes a verification run.
type VerifyReport struct {
	Checked    int        `json:"checked"`
	Missing    int        `json:"missing"`
	Extra      int        `json:"extra"`
	Drifted    int        `json:"drifted"`
	BadContent int        `json:"badContent"`
	Fixed      int        `json:"fixed"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	Duration   time.Duration
}

// Clean reports whether no mismatches were found.
func (r *VerifyReport) Clean() bool {
	return r.Missing == 0 && r.Extra == 0 && r.Drifted == 0 && r.BadContent == 0
}

// Verifier checks stored entries against the filesystem.
type Verifier struct {
	store    *db.Store
	resolver *db.PathResolver
	backend  volume.Backend
}

// NewVerifier builds a verifier over one library database.
func NewVerifier(store *db.Store, backend volume.Backend) *Verifier {
	return &Verifier{store: store, resolver: db.NewPathResolver(store), backend: backend}
}

// Verify walks every stored entry under the location and compares it to the
// live filesystem, then scans the filesystem for unindexed extras. Read-only
// unless input.AutoFix is set.
func (v *Verifier) Verify(ctx context.Context, input VerifyInput) (*VerifyReport, error) {
	report := &VerifyReport{StartedAt: time.Now()}
	rootPath := filepath.Clean(input.Path)

	entries, err := v.store.ListLocationEntries(input.LibraryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored entries: %w", err)
	}

	stored := make(map[string]*db.Entry, len(entries))
	for _, entry := range entries {
		if entry.ParentID == nil {
			continue
		}
		rel, err := v.resolver.GetFullPath(entry.ID)
		if err != nil {
			// Ancestor removed mid-walk by a concurrent fix.
			continue
		}
		abs := filepath.Join(rootPath, rel)
		stored[abs] = entry
		report.Checked++

		if err := v.checkEntry(ctx, input, report, abs, entry); err != nil {
			return nil, err
		}
	}

	if err := v.findExtras(ctx, input, report, rootPath, stored); err != nil {
		return nil, err
	}

	report.Duration = time.Since(report.StartedAt)
	return report, nil
}

// checkEntry verifies one stored entry against disk.
func (v *Verifier) checkEntry(ctx context.Context, input VerifyInput, report *VerifyReport, abs string, entry *db.Entry) error {
	meta, err := v.backend.Metadata(ctx, abs)
	if err != nil {
		report.Missing++
		fixed := false
		if input.AutoFix {
			if _, delErr := v.store.DeleteEntry(entry.ID); delErr == nil {
				fixed = true
				report.Fixed++
			}
		}
		v.record(input, report, Mismatch{Kind: MismatchMissing, Path: abs, Fixed: fixed})
		return nil
	}

	if !entry.IsDir() {
		if drift := describeDrift(entry, meta); drift != "" {
			report.Drifted++
			fixed := false
			if input.AutoFix {
				entry.Size = meta.Size
				entry.ModifiedAt = meta.ModifiedAt
				if upErr := v.store.UpdateEntry(entry); upErr == nil {
					fixed = true
					report.Fixed++
				}
			}
			v.record(input, report, Mismatch{Kind: MismatchDrift, Path: abs, Detail: drift, Fixed: fixed})
		}

		if input.VerifyContent && entry.ContentIdentityID != nil {
			if err := v.checkContent(input, report, abs, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkContent re-hashes a file and compares against its stored identity.
func (v *Verifier) checkContent(input VerifyInput, report *VerifyReport, abs string, entry *db.Entry) error {
	identity, err := v.store.GetContentIdentity(*entry.ContentIdentityID)
	if err != nil || identity == nil {
		return err
	}
	if verr := contentid.Verify(abs, identity.CasID); verr != nil {
		report.BadContent++
		fixed := false
		if input.AutoFix {
			if casID, herr := contentid.GenerateCasID(abs); herr == nil {
				if fresh, cerr := v.store.GetOrCreateContentIdentity(casID, entry.Size); cerr == nil {
					entry.ContentIdentityID = &fresh.ID
					if upErr := v.store.UpdateEntry(entry); upErr == nil {
						fixed = true
						report.Fixed++
					}
				}
			}
		}
		v.record(input, report, Mismatch{Kind: MismatchContent, Path: abs, Detail: verr.Error(), Fixed: fixed})
	}
	return nil
}

// findExtras walks the filesystem under root looking for paths with no
// stored entry. Extras are reported, never auto-created: indexing them is
// the indexer job's business.
func (v *Verifier) findExtras(ctx context.Context, input VerifyInput, report *VerifyReport, root string, stored map[string]*db.Entry) error {
	frontier := []string{root}
	for len(frontier) > 0 {
		dir := frontier[0]
		frontier = frontier[1:]

		children, err := v.backend.ReadDir(ctx, dir)
		if err != nil {
			continue
		}
		for _, child := range children {
			path := filepath.Join(dir, child.Name)
			if _, ok := stored[path]; !ok {
				report.Extra++
				v.record(input, report, Mismatch{Kind: MismatchExtra, Path: path})
				// An unindexed directory's contents are all extra too; one
				// finding for the subtree root is enough.
				continue
			}
			if child.Kind == volume.KindDirectory {
				frontier = append(frontier, path)
			}
		}
	}
	return nil
}

func (v *Verifier) record(input VerifyInput, report *VerifyReport, m Mismatch) {
	if input.DetailedReport {
		report.Mismatches = append(report.Mismatches, m)
	}
}

// describeDrift returns a human-readable drift description, or "" when the
// entry matches disk within the detector's mtime tolerance.
func describeDrift(entry *db.Entry, meta volume.RawMetadata) string {
	if entry.Size != meta.Size {
		return fmt.Sprintf("size %d != %d", entry.Size, meta.Size)
	}
	drift := meta.ModifiedAt.Sub(entry.ModifiedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > time.Second {
		return fmt.Sprintf("mtime drift %s", drift)
	}
	return ""
}
