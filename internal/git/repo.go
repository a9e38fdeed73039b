package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/go-git/go-git/v5"

	"envtracker/internal/eventhub"
	"envtracker/internal/store"
)

// RemoteDirName is the directory, at a project or repository root, that
// holds the shared environment files
const RemoteDirName = ".cet"

// ErrNotRepository is returned when no git repository encloses a path
var ErrNotRepository = fmt.Errorf("not a git repository: %w", errdefs.ErrNotFound)

// Repo represents a Git repository
type Repo struct {
	root string
	repo *git.Repository
}

// FileStatus represents the status of a single file
type FileStatus struct {
	Path   string
	Status string // "modified", "added", "deleted", "untracked", etc.
}

// RepoStatus represents the current status of the repository
type RepoStatus struct {
	Branch    string
	Modified  []FileStatus
	Staged    []FileStatus
	Untracked []FileStatus
	IsClean   bool
}

// Open opens the git repository rooted at path
func Open(path string) (*Repo, error) {
	return open(path, false)
}

// Discover opens the git repository enclosing path
func Discover(path string) (*Repo, error) {
	return open(path, true)
}

func open(path string, detect bool) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: detect})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRepository)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	return &Repo{
		root: worktree.Filesystem.Root(),
		repo: repo,
	}, nil
}

// Root returns the top directory of the working tree
func (r *Repo) Root() string {
	return r.root
}

// Status returns the current status of the repository
func (r *Repo) Status() (*RepoStatus, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	branch, err := r.CurrentBranch()
	if err != nil {
		branch = "" // Branch might not exist yet (empty repo)
	}

	repoStatus := &RepoStatus{
		Branch:    branch,
		Modified:  make([]FileStatus, 0),
		Staged:    make([]FileStatus, 0),
		Untracked: make([]FileStatus, 0),
		IsClean:   status.IsClean(),
	}

	for path, fileStatus := range status {
		fs := FileStatus{Path: path}

		if fileStatus.Staging != git.Unmodified && fileStatus.Staging != git.Untracked {
			fs.Status = mapStatusCode(fileStatus.Staging)
			repoStatus.Staged = append(repoStatus.Staged, fs)
		}

		if fileStatus.Worktree == git.Untracked {
			fs.Status = "untracked"
			repoStatus.Untracked = append(repoStatus.Untracked, fs)
		} else if fileStatus.Worktree != git.Unmodified {
			fs.Status = mapStatusCode(fileStatus.Worktree)
			repoStatus.Modified = append(repoStatus.Modified, fs)
		}
	}

	for _, list := range [][]FileStatus{repoStatus.Modified, repoStatus.Staged, repoStatus.Untracked} {
		sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	}
	return repoStatus, nil
}

// mapStatusCode converts go-git status codes to human-readable strings
func mapStatusCode(code git.StatusCode) string {
	switch code {
	case git.Unmodified:
		return "unmodified"
	case git.Untracked:
		return "untracked"
	case git.Modified:
		return "modified"
	case git.Added:
		return "added"
	case git.Deleted:
		return "deleted"
	case git.Renamed:
		return "renamed"
	case git.Copied:
		return "copied"
	case git.UpdatedButUnmerged:
		return "updated-but-unmerged"
	default:
		return "unknown"
	}
}

// CurrentBranch returns the short name of the checked out branch
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached")
	}
	return head.Name().Short(), nil
}

// PendingChanges returns the uncommitted files under dir, keyed by their
// path relative to dir
func (r *Repo) PendingChanges(dir string) (map[string]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	root := r.root
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	prefix, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(prefix, "..") {
		return nil, fmt.Errorf("%s is outside the repository %s", dir, r.root)
	}
	prefix = filepath.ToSlash(prefix)

	status, err := r.Status()
	if err != nil {
		return nil, err
	}
	pending := make(map[string]string)
	for _, list := range [][]FileStatus{status.Staged, status.Modified, status.Untracked} {
		for _, f := range list {
			rel := f.Path
			if prefix != "." {
				if !strings.HasPrefix(f.Path, prefix+"/") {
					continue
				}
				rel = strings.TrimPrefix(f.Path, prefix+"/")
			}
			if _, seen := pending[rel]; !seen {
				pending[rel] = f.Status
			}
		}
	}
	return pending, nil
}

// InferRemoteDir picks the remote directory for an environment tracked from
// cwd: a .cet directory in cwd that already holds a history, otherwise the
// .cet directory at the root of the enclosing git repository
func InferRemoteDir(cwd string) (string, error) {
	local := filepath.Join(cwd, RemoteDirName)
	if _, err := os.Stat(filepath.Join(local, store.HistoryFile)); err == nil {
		return filepath.Abs(local)
	}
	repo, err := Discover(cwd)
	if err != nil {
		return "", err
	}
	return filepath.Join(repo.Root(), RemoteDirName), nil
}

// RemoteStatus reports the branch and the uncommitted files of a remote
// directory kept in git
func RemoteStatus(dir string) (eventhub.RemoteStatusEvent, error) {
	event := eventhub.RemoteStatusEvent{Path: dir}
	repo, err := Discover(dir)
	if err != nil {
		return event, err
	}
	event.Branch, _ = repo.CurrentBranch()
	event.Pending, err = repo.PendingChanges(dir)
	return event, err
}
