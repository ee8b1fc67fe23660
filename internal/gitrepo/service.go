// Package gitrepo keeps a git history of every room's files. Each room gets
// its own repository on a main branch; a commit is written whenever a
// document session settles its final content.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	ErrInvalidPath = errors.New("invalid file path")
	ErrNoHistory   = errors.New("no history")
)

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitFile writes content to fileName in the room repository and commits
// it. When the file already holds exactly this content no commit is made and
// changed is false.
func (s *Service) CommitFile(roomID, fileName, content, author, message string) (commit Commit, changed bool, err error) {
	rel, err := cleanPath(fileName)
	if err != nil {
		return Commit{}, false, err
	}
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(roomID)
	if err != nil {
		return Commit{}, false, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, false, fmt.Errorf("open worktree: %w", err)
	}

	full := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
	if existing, readErr := os.ReadFile(full); readErr == nil && string(existing) == content {
		if head, headErr := repo.Head(); headErr == nil {
			obj, err := repo.CommitObject(head.Hash())
			if err != nil {
				return Commit{}, false, fmt.Errorf("read head commit: %w", err)
			}
			return toCommit(obj), false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Commit{}, false, fmt.Errorf("create file dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return Commit{}, false, fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return Commit{}, false, fmt.Errorf("git add %s: %w", rel, err)
	}
	if message == "" {
		message = "Update " + rel
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: sanitizeEmail(author) + "@users.coderoom.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return Commit{}, false, fmt.Errorf("commit %s: %w", rel, err)
	}
	obj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(obj), true, nil
}

// History lists commits touching fileName, newest first. limit <= 0 means
// unlimited.
func (s *Service) History(roomID, fileName string, limit int) ([]Commit, error) {
	rel, err := cleanPath(fileName)
	if err != nil {
		return nil, err
	}
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(roomID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &rel})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(obj *object.Commit) error {
		items = append(items, toCommit(obj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// FileAt returns the content of fileName as of the given commit hash, full
// or abbreviated.
func (s *Service) FileAt(roomID, fileName, hash string) (string, error) {
	rel, err := cleanPath(fileName)
	if err != nil {
		return "", err
	}
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(roomID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", ErrNoHistory
	}
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", ErrNoHistory, hash, err)
	}
	obj, err := repo.CommitObject(*resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := obj.File(rel)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", fmt.Errorf("%w: %s not in %s", ErrNoHistory, rel, hash)
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", rel, err)
	}
	return file.Contents()
}

// DeleteRoom removes the room repository from disk.
func (s *Service) DeleteRoom(roomID string) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(roomID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) openOrInit(roomID string) (*git.Repository, error) {
	dir := s.repoPath(roomID)
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	// Point the unborn HEAD at main so the first commit creates that branch.
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(roomID string) string {
	return filepath.Join(s.baseDir, url.PathEscape(roomID))
}

func (s *Service) roomLock(roomID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[roomID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[roomID] = lock
	return lock
}

// cleanPath turns a file name into a slash-separated path that stays inside
// the repository and out of its .git directory.
func cleanPath(name string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	rel := strings.TrimPrefix(cleaned, "/")
	if rel == "" || rel == "." || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	if rel == ".git" || strings.HasPrefix(rel, ".git/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return rel, nil
}

func toCommit(obj *object.Commit) Commit {
	return Commit{
		Hash:      obj.Hash.String()[:7],
		Message:   strings.TrimSpace(obj.Message),
		Author:    obj.Author.Name,
		CreatedAt: obj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
