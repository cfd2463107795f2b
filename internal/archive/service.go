// Package archive mirrors letter version history into per-letter git
// repositories on disk. The database is authoritative; the archive exists for
// audit export and offline inspection, so callers treat failures as
// non-fatal.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Snapshot is one archived revision of a letter.
type Snapshot struct {
	VersionNumber int    `json:"version"`
	Content       string `json:"-"`
	Score         int    `json:"complianceScore"`
	Instruction   string `json:"instruction,omitempty"`
	Author        string `json:"author"`
}

// CommitInfo describes one archive commit.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
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

// EnsureLetterRepo initializes the per-letter repository with the first
// snapshot. Calling it for an existing repo is a no-op.
func (s *Service) EnsureLetterRepo(letterID string, snap Snapshot) error {
	lock := s.letterLock(letterID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(letterID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writeSnapshotFiles(path, snap); err != nil {
		return err
	}
	if _, err := worktree.Add("letter.txt"); err != nil {
		return fmt.Errorf("git add letter: %w", err)
	}
	if _, err := worktree.Add("meta.json"); err != nil {
		return fmt.Errorf("git add meta: %w", err)
	}
	hash, err := worktree.Commit(commitMessage(snap), &git.CommitOptions{
		Author: signature(snap.Author),
	})
	if err != nil {
		return fmt.Errorf("commit initial snapshot: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitSnapshot records a revision on the letter's main branch.
func (s *Service) CommitSnapshot(letterID string, snap Snapshot) error {
	lock := s.letterLock(letterID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(letterID)
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	if err := writeSnapshotFiles(path, snap); err != nil {
		return err
	}
	if _, err := worktree.Add("letter.txt"); err != nil {
		return fmt.Errorf("git add letter: %w", err)
	}
	if _, err := worktree.Add("meta.json"); err != nil {
		return fmt.Errorf("git add meta: %w", err)
	}

	// Undo/redo can land the working copy back on already-archived text.
	_, err = worktree.Commit(commitMessage(snap), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(snap.Author),
	})
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// TagApproval marks the current head with an approval tag. Re-approving the
// same version is idempotent.
func (s *Service) TagApproval(letterID, tag string) error {
	lock := s.letterLock(letterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(letterID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolve head: %w", err)
	}

	_, err = repo.CreateTag(tag, head.Hash(), &git.CreateTagOptions{
		Tagger:  signature("Redress"),
		Message: tag,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// History lists archive commits for a letter, newest first.
func (s *Service) History(letterID string, limit int) ([]CommitInfo, error) {
	lock := s.letterLock(letterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(letterID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, CommitInfo{
			Hash:      commitObj.Hash.String()[:7],
			Message:   commitObj.Message,
			Author:    commitObj.Author.Name,
			CreatedAt: commitObj.Author.When,
		})
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// HeadSnapshot reads the letter text and metadata at the archive head.
func (s *Service) HeadSnapshot(letterID string) (Snapshot, error) {
	lock := s.letterLock(letterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(letterID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Snapshot{}, fmt.Errorf("load commit object: %w", err)
	}

	var snap Snapshot
	meta, err := readCommitFile(commitObj, "meta.json")
	if err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(meta, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode meta: %w", err)
	}
	text, err := readCommitFile(commitObj, "letter.txt")
	if err != nil {
		return Snapshot{}, err
	}
	snap.Content = string(text)
	return snap, nil
}

func (s *Service) repoPath(letterID string) string {
	return filepath.Join(s.baseDir, letterID)
}

func (s *Service) letterLock(letterID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[letterID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[letterID] = lock
	return lock
}

func writeSnapshotFiles(path string, snap Snapshot) error {
	if err := os.WriteFile(filepath.Join(path, "letter.txt"), []byte(snap.Content+"\n"), 0o644); err != nil {
		return fmt.Errorf("write letter text: %w", err)
	}
	meta, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "meta.json"), append(meta, '\n'), 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func commitMessage(snap Snapshot) string {
	if snap.Instruction != "" {
		return fmt.Sprintf("Version %d: %s", snap.VersionNumber, snap.Instruction)
	}
	return fmt.Sprintf("Version %d", snap.VersionNumber)
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.redress.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func readCommitFile(commitObj *object.Commit, name string) ([]byte, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s bytes: %w", name, err)
	}
	return data, nil
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
