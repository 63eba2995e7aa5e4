// Package rules decides which paths the indexer accepts. Decisions are made
// per path during traversal; directory exclusions can prune whole subtrees so
// traversal never descends into them.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// Decision is the outcome of evaluating one path.
type Decision int

const (
	// Include accepts the path.
	Include Decision = iota
	// Exclude rejects the path but, for directories, still allows
	// traversal of children.
	Exclude
	// ExcludeDescendants rejects a directory and its entire subtree.
	// Traversal must not descend.
	ExcludeDescendants
)

func (d Decision) String() string {
	switch d {
	case Include:
		return "include"
	case Exclude:
		return "exclude"
	case ExcludeDescendants:
		return "exclude-descendants"
	}
	return "unknown"
}

// Toggles enables or disables the built-in rule sets.
type Toggles struct {
	NoSystemFiles bool
	NoHidden      bool
	NoGit         bool
	NoDevDirs     bool
	Gitignore     bool
	OnlyImages    bool
}

// DefaultToggles matches the stock configuration: system files, git
// plumbing and dev directories are skipped; hidden files are kept.
func DefaultToggles() Toggles {
	return Toggles{
		NoSystemFiles: true,
		NoHidden:      false,
		NoGit:         true,
		NoDevDirs:     true,
		Gitignore:     true,
		OnlyImages:    false,
	}
}

// systemFileGlobs rejects OS metadata and protected paths across platforms.
// Matching a foreign platform's junk files is harmless (the names simply do
// not occur), so one combined list serves all targets.
var systemFileGlobs = []string{
	"**/.spacedrive",
	// Windows
	"**/{Thumbs.db,Thumbs.db:encryptable,ehthumbs.db,ehthumbs_vista.db}",
	"**/*.stackdump",
	"**/[Dd]esktop.ini",
	"**/$RECYCLE.BIN",
	"**/FOUND.[0-9][0-9][0-9]",
	// macOS
	"**/.{DS_Store,AppleDouble,LSOverride}",
	"**/._*",
	"**/.{DocumentRevisions-V100,fseventsd,Spotlight-V100,TemporaryItems,Trashes,VolumeIcon.icns,com.apple.timemachine.donotpresent}",
	"**/.{AppleDB,AppleDesktop,apdisk}",
	"**/{Network Trash Folder,Temporary Items}",
	// Linux
	"**/*~",
	"**/.fuse_hidden*",
	"**/.directory",
	"**/.Trash-*",
	"**/.nfs*",
	"**/lost+found",
	"/{dev,sys,proc}",
	"/{run,var,boot}",
	// Android
	"**/.nomedia",
	"**/.thumbnails",
}

var hiddenGlobs = []string{"**/.*"}

var gitGlobs = []string{
	"**/{.git,.gitignore,.gitattributes,.gitkeep,.gitconfig,.gitmodules}",
}

var devDirGlobs = []string{
	"**/node_modules",
	"**/target",
	"**/dist",
	"**/build",
	"**/.idea",
	"**/.vscode",
	"**/.vs",
	"**/__pycache__",
	"**/.pytest_cache",
	"**/.mypy_cache",
	"**/.tox",
	"**/.nox",
	"**/.coverage",
	"**/.hypothesis",
	"**/.cache",
	"**/Cache",
	"**/Caches",
	"**/CachedData",
	"**/Code Cache",
	"**/tmp",
	"**/temp",
	"**/.tmp",
	"**/.temp",
}

var imageGlobs = []string{
	"*.{avif,bmp,gif,ico,jpeg,jpg,png,svg,tif,tiff,webp}",
}

// Ruler evaluates paths against the enabled rule sets plus any custom glob
// rules. Safe for concurrent use.
type Ruler struct {
	toggles       Toggles
	locationRoot  string
	customRejects []string
	customAccepts []string

	mu         sync.Mutex
	gitignores map[string]*ignore.GitIgnore
}

// NewRuler builds a ruler scoped to a location root. The root bounds
// gitignore resolution: .gitignore files above it are never consulted.
func NewRuler(locationRoot string, toggles Toggles) *Ruler {
	return &Ruler{
		toggles:      toggles,
		locationRoot: filepath.Clean(locationRoot),
		gitignores:   make(map[string]*ignore.GitIgnore),
	}
}

// AddRejectGlobs appends custom rejection globs (location-specific rules).
func (r *Ruler) AddRejectGlobs(globs ...string) error {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("invalid glob pattern %q", g)
		}
	}
	r.customRejects = append(r.customRejects, globs...)
	return nil
}

// AddAcceptGlobs appends custom acceptance globs. When any accept globs are
// present, files matching none of them are excluded.
func (r *Ruler) AddAcceptGlobs(globs ...string) error {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("invalid glob pattern %q", g)
		}
	}
	r.customAccepts = append(r.customAccepts, globs...)
	return nil
}

// Decide evaluates one path. Reject rules run before accept rules; for
// directories a rejection prunes the whole subtree via ExcludeDescendants.
func (r *Ruler) Decide(path string, meta volume.RawMetadata) Decision {
	isDir := meta.Kind == volume.KindDirectory
	slashPath := filepath.ToSlash(path)

	if r.toggles.NoSystemFiles && matchAny(systemFileGlobs, slashPath) {
		return rejectKind(isDir)
	}
	if r.toggles.NoHidden && matchAny(hiddenGlobs, slashPath) {
		return rejectKind(isDir)
	}
	if r.toggles.NoGit && matchAny(gitGlobs, slashPath) {
		return rejectKind(isDir)
	}
	if r.toggles.NoDevDirs && isDir && matchAny(devDirGlobs, slashPath) {
		return ExcludeDescendants
	}
	if len(r.customRejects) > 0 && matchAny(r.customRejects, slashPath) {
		return rejectKind(isDir)
	}

	if r.toggles.Gitignore {
		if d := r.decideGitignore(path, isDir); d != Include {
			return d
		}
	}

	// Accept rules only constrain files: directories must stay traversable
	// or nothing beneath them could ever match.
	if !isDir {
		if r.toggles.OnlyImages && !matchAnyBase(imageGlobs, meta.Name) {
			return Exclude
		}
		if len(r.customAccepts) > 0 && !matchAny(r.customAccepts, slashPath) {
			return Exclude
		}
	}

	return Include
}

func rejectKind(isDir bool) Decision {
	if isDir {
		return ExcludeDescendants
	}
	return Exclude
}

func matchAny(globs []string, slashPath string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, slashPath); ok {
			return true
		}
	}
	return false
}

func matchAnyBase(globs []string, name string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, strings.ToLower(name)); ok {
			return true
		}
	}
	return false
}

// decideGitignore applies .gitignore files found between the location root
// and the path's directory. Only paths inside a git repository are affected.
func (r *Ruler) decideGitignore(path string, isDir bool) Decision {
	dir := filepath.Dir(path)
	if !strings.HasPrefix(dir, r.locationRoot) {
		return Include
	}

	repoRoot, ok := r.findRepoRoot(dir)
	if !ok {
		return Include
	}

	// Walk from the repo root down to the containing directory, applying
	// each .gitignore along the way. Closest file wins by running last.
	for _, ignoreDir := range ancestorsBetween(repoRoot, dir) {
		matcher := r.loadGitignore(filepath.Join(ignoreDir, ".gitignore"))
		if matcher == nil {
			continue
		}
		rel, err := filepath.Rel(ignoreDir, path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if isDir {
			// Directory patterns like "out/" only match paths carrying the
			// trailing slash.
			rel += "/"
		}
		if matcher.MatchesPath(rel) {
			return rejectKind(isDir)
		}
	}
	return Include
}

// findRepoRoot walks up from dir (staying within the location root) looking
// for a .git directory.
func (r *Ruler) findRepoRoot(dir string) (string, bool) {
	for cur := dir; strings.HasPrefix(cur, r.locationRoot); cur = filepath.Dir(cur) {
		if info, err := os.Stat(filepath.Join(cur, ".git")); err == nil && info.IsDir() {
			return cur, true
		}
		if cur == r.locationRoot {
			break
		}
	}
	return "", false
}

// ancestorsBetween lists the directories from root down to dir, inclusive.
func ancestorsBetween(root, dir string) []string {
	var chain []string
	for cur := dir; strings.HasPrefix(cur, root); cur = filepath.Dir(cur) {
		chain = append(chain, cur)
		if cur == root {
			break
		}
	}
	// Reverse so the repo root's .gitignore applies first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// loadGitignore compiles and caches a .gitignore file; missing files cache
// a nil matcher so repeated stats are avoided.
func (r *Ruler) loadGitignore(path string) *ignore.GitIgnore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.gitignores[path]; ok {
		return cached
	}
	matcher, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		matcher = nil
	}
	r.gitignores[path] = matcher
	return matcher
}
