package compositor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	currentLink = "current"
	genPrefix   = "gen-"
)

// Generation is one transcoder run's output directory.
type Generation struct {
	Room   string
	Number int
	Dir    string
}

// staging keeps one directory per generation under root and exposes the
// served one through the root/current symlink, which is swapped atomically.
type staging struct {
	root string
	next int
}

func newStaging(root string) *staging {
	return &staging{root: root}
}

func (s *staging) genDir(n int) string {
	return filepath.Join(s.root, fmt.Sprintf("%s%06d", genPrefix, n))
}

func (s *staging) create() (Generation, error) {
	s.next++
	dir := s.genDir(s.next)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Generation{}, fmt.Errorf("create generation dir: %w", err)
	}
	return Generation{Number: s.next, Dir: dir}, nil
}

func (s *staging) discard(g Generation) {
	_ = os.RemoveAll(g.Dir)
}

// promote points current at g and removes every other generation.
func (s *staging) promote(g Generation) error {
	tmp := filepath.Join(s.root, currentLink+".tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Base(g.Dir), tmp); err != nil {
		return fmt.Errorf("link generation: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.root, currentLink)); err != nil {
		return fmt.Errorf("swap generation: %w", err)
	}
	s.prune(g.Dir)
	return nil
}

func (s *staging) prune(keep string) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), genPrefix) {
			continue
		}
		if dir := filepath.Join(s.root, e.Name()); dir != keep {
			_ = os.RemoveAll(dir)
		}
	}
}

// currentDir is the served directory, or "" when nothing is served.
func (s *staging) currentDir() string {
	target, err := os.Readlink(filepath.Join(s.root, currentLink))
	if err != nil {
		return ""
	}
	return filepath.Join(s.root, target)
}

// reset stops serving and removes every generation.
func (s *staging) reset() {
	if err := os.Remove(filepath.Join(s.root, currentLink)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return
	}
	s.prune("")
}

func (s *staging) remove() error {
	return os.RemoveAll(s.root)
}
