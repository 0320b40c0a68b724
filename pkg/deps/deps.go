// Package deps resolves the env.dependencies declared in a study spec
// (spec.md §4.C) into local filesystem paths, either by validating an
// already-present path or by cloning a git repository, and registers each
// resolved path into the token-substitution context under its declared name.
package deps

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/ormasoftchile/conductor/pkg/study"
)

// Resolved is one acquired dependency: its declared name and the absolute
// local path the token engine should substitute for $(NAME).
type Resolved struct {
	Name string
	Path string
}

// Acquirer fetches or validates the dependencies declared by a study's
// env.dependencies block, caching clones under workDir/meta so repeated
// runs of the same study reuse a single checkout (spec.md §4.C: "acquiring
// a dependency is idempotent per study workspace").
type Acquirer struct {
	// WorkDir is the study's working directory; git dependencies are
	// cloned under WorkDir/meta/<name>.
	WorkDir string
}

// NewAcquirer returns an Acquirer rooted at workDir.
func NewAcquirer(workDir string) *Acquirer {
	return &Acquirer{WorkDir: workDir}
}

// Acquire resolves every dependency in deps, in declaration order, failing
// fast on the first one that cannot be satisfied. This runs once before
// expansion begins, per spec.md §4.C's "dependencies are resolved before the
// first step is expanded."
func (a *Acquirer) Acquire(dependencies []study.Dependency) ([]Resolved, error) {
	metaDir := filepath.Join(a.WorkDir, "meta")
	var out []Resolved
	for _, d := range dependencies {
		r, err := a.acquireOne(metaDir, d)
		if err != nil {
			return nil, fmt.Errorf("dependency %q: %w", d.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *Acquirer) acquireOne(metaDir string, d study.Dependency) (Resolved, error) {
	switch d.Type {
	case "path":
		return a.acquirePath(d)
	case "git":
		return a.acquireGit(metaDir, d)
	default:
		return Resolved{}, fmt.Errorf("unsupported dependency type %q", d.Type)
	}
}

// acquirePath validates that a path dependency exists on disk. No copying
// happens — the study references the path in place.
func (a *Acquirer) acquirePath(d study.Dependency) (Resolved, error) {
	abs, err := filepath.Abs(d.Path)
	if err != nil {
		return Resolved{}, fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return Resolved{}, fmt.Errorf("stat %s: %w", abs, err)
	}
	return Resolved{Name: d.Name, Path: abs}, nil
}

// acquireGit clones (or reuses a previous clone of) a git dependency into
// metaDir/<name>, checking out d.Tag when set.
func (a *Acquirer) acquireGit(metaDir string, d study.Dependency) (Resolved, error) {
	dest := filepath.Join(metaDir, d.Name)

	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		if _, err := git.PlainOpen(dest); err == nil {
			// Already cloned by a previous acquisition of this study
			// workspace; reuse it rather than re-fetching.
			return Resolved{Name: d.Name, Path: dest}, nil
		}
	}

	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return Resolved{}, fmt.Errorf("create meta dir: %w", err)
	}

	opts := &git.CloneOptions{
		URL:   d.URL,
		Depth: 1,
	}
	if d.Tag != "" {
		opts.ReferenceName = plumbing.NewTagReferenceName(d.Tag)
		opts.SingleBranch = true
	}

	if _, err := git.PlainClone(dest, false, opts); err != nil {
		if d.Tag != "" {
			// Fall back to cloning the default branch and checking out the
			// tag explicitly; not every remote exposes tags as references
			// a shallow ReferenceName clone can resolve directly.
			return a.cloneThenCheckoutTag(dest, d)
		}
		return Resolved{}, fmt.Errorf("clone %s: %w", d.URL, err)
	}
	return Resolved{Name: d.Name, Path: dest}, nil
}

func (a *Acquirer) cloneThenCheckoutTag(dest string, d study.Dependency) (Resolved, error) {
	os.RemoveAll(dest)
	repo, err := git.PlainClone(dest, false, &git.CloneOptions{URL: d.URL})
	if err != nil {
		return Resolved{}, fmt.Errorf("clone %s: %w", d.URL, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return Resolved{}, fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewTagReferenceName(d.Tag),
	}); err != nil {
		return Resolved{}, fmt.Errorf("checkout tag %s: %w", d.Tag, err)
	}
	return Resolved{Name: d.Name, Path: dest}, nil
}
