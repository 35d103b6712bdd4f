// Package archive mirrors every document version into a git repository per
// document, tagging each commit with its version number.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	textFile = "content.txt"
	htmlFile = "content.html"
)

var ErrNotArchived = errors.New("version not archived")

// Snapshot is one version as written to the archive.
type Snapshot struct {
	Number    int
	Text      string
	HTML      string
	ChangeLog string
	Author    string
	When      time.Time
}

// Commit is an archive log entry.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Tag       string    `json:"tag,omitempty"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}
}

func TagName(number int) string {
	return "v" + strconv.Itoa(number)
}

// Record commits the snapshot and tags it. Recording the same version twice
// keeps the first tag.
func (s *Service) Record(documentID string, snap Snapshot) (Commit, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	if err := os.WriteFile(filepath.Join(root, textFile), []byte(snap.Text), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", textFile, err)
	}
	if _, err := worktree.Add(textFile); err != nil {
		return Commit{}, fmt.Errorf("git add %s: %w", textFile, err)
	}
	htmlPath := filepath.Join(root, htmlFile)
	if snap.HTML != "" {
		if err := os.WriteFile(htmlPath, []byte(snap.HTML), 0o644); err != nil {
			return Commit{}, fmt.Errorf("write %s: %w", htmlFile, err)
		}
		if _, err := worktree.Add(htmlFile); err != nil {
			return Commit{}, fmt.Errorf("git add %s: %w", htmlFile, err)
		}
	} else if _, err := os.Stat(htmlPath); err == nil {
		if _, err := worktree.Remove(htmlFile); err != nil {
			return Commit{}, fmt.Errorf("git rm %s: %w", htmlFile, err)
		}
	}

	when := snap.When
	if when.IsZero() {
		when = time.Now()
	}
	signature := &object.Signature{Name: snap.Author, Email: "archive@dms.local", When: when}
	hash, err := worktree.Commit(snap.ChangeLog, &git.CommitOptions{Author: signature, AllowEmptyCommits: true})
	if err != nil {
		return Commit{}, fmt.Errorf("commit version %d: %w", snap.Number, err)
	}

	tag := TagName(snap.Number)
	if _, err := repo.CreateTag(tag, hash, &git.CreateTagOptions{Tagger: signature, Message: snap.ChangeLog}); err != nil && !errors.Is(err, git.ErrTagExists) {
		return Commit{}, fmt.Errorf("create tag %s: %w", tag, err)
	}

	return Commit{Hash: hash.String()[:7], Message: snap.ChangeLog, Author: snap.Author, CreatedAt: when, Tag: tag}, nil
}

// History lists commits newest first. A document with no archive has an
// empty history.
func (s *Service) History(documentID string, limit int) ([]Commit, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
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

	tags, err := tagsByCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, Commit{
			Hash:      c.Hash.String()[:7],
			Message:   c.Message,
			Author:    c.Author.Name,
			CreatedAt: c.Author.When,
			Tag:       tags[c.Hash],
		})
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

// ReadText returns the archived text of a version.
func (s *Service) ReadText(documentID string, number int) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return "", ErrNotArchived
	}
	ref, err := repo.Tag(TagName(number))
	if err != nil {
		return "", ErrNotArchived
	}
	commitHash := ref.Hash()
	if tagObj, err := repo.TagObject(ref.Hash()); err == nil {
		commitHash = tagObj.Target
	}
	commit, err := repo.CommitObject(commitHash)
	if err != nil {
		return "", fmt.Errorf("read commit: %w", err)
	}
	file, err := commit.File(textFile)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", textFile, err)
	}
	return file.Contents()
}

func tagsByCommit(repo *git.Repository) (map[plumbing.Hash]string, error) {
	refs, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	out := make(map[plumbing.Hash]string)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		target := ref.Hash()
		if tagObj, err := repo.TagObject(ref.Hash()); err == nil {
			target = tagObj.Target
		}
		out[target] = ref.Name().Short()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return out, nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, filepath.Base(documentID))
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[documentID] = lock
	}
	return lock
}
