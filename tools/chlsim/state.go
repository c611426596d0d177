package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lustre-irods/connector/encoding"
)

const (
	changelogFile = "changelog"
	clearedFile   = "cleared"
	treeFile      = "tree.msgpack"
)

// State is a simulated MDT kept in a directory: an append-only changelog,
// the index released by changelog_clear and the tree the changelog
// describes. Appends and atomic renames let the generator and the
// lfs-compatible commands run as separate processes without locking.
type State struct {
	dir string
}

// OpenState opens or creates the state directory
func OpenState(dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &State{dir: dir}, nil
}

func (s *State) path(name string) string {
	return filepath.Join(s.dir, name)
}

// LoadTree returns the saved tree, or a new one for mdt and mount
func (s *State) LoadTree(mdt, mount string) (*Tree, error) {
	data, err := os.ReadFile(s.path(treeFile))
	if errors.Is(err, os.ErrNotExist) {
		return NewTree(mdt, mount), nil
	}
	if err != nil {
		return nil, err
	}

	t := &Tree{}
	if err := encoding.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to decode tree: %w", err)
	}
	if mdt != "" && t.MDT != mdt {
		return nil, fmt.Errorf("state belongs to %s, not %s", t.MDT, mdt)
	}
	t.index()
	return t, nil
}

// SaveTree replaces the saved tree
func (s *State) SaveTree(t *Tree) error {
	data, err := encoding.Marshal(t)
	if err != nil {
		return err
	}
	return s.replace(treeFile, data)
}

func (s *State) replace(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(name))
}

// Append adds lines to the changelog
func (s *State) Append(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.path(changelogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Entries returns the uncleared lines with from <= index <= to
func (s *State) Entries(from, to uint64) ([]string, error) {
	cleared, err := s.Cleared()
	if err != nil {
		return nil, err
	}
	if from <= cleared {
		from = cleared + 1
	}

	f, err := os.Open(s.path(changelogFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		first, _, _ := strings.Cut(line, " ")
		index, err := strconv.ParseUint(first, 10, 64)
		if err != nil {
			continue
		}
		if index < from {
			continue
		}
		if to != 0 && index > to {
			break
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

// Cleared returns the highest index released so far
func (s *State) Cleared() (uint64, error) {
	data, err := os.ReadFile(s.path(clearedFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// Clear releases every index up to through. Clearing never moves backwards.
func (s *State) Clear(through uint64) error {
	cleared, err := s.Cleared()
	if err != nil {
		return err
	}
	if through <= cleared {
		return nil
	}
	return s.replace(clearedFile, []byte(strconv.FormatUint(through, 10)+"\n"))
}
