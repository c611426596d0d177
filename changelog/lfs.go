package changelog

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strconv"
	"strings"
)

// LfsSource reads a changelog through the lfs command line tool
type LfsSource struct {
	command string // lfs binary
	mdt     string // e.g. lustre01-MDT0000
	user    string // registered changelog user, e.g. cl1
	mount   string // filesystem mount point for fid2path
}

// NewLfsSource creates a source for one MDT
func NewLfsSource(command, mdt, user, mount string) *LfsSource {
	if command == "" {
		command = "lfs"
	}
	return &LfsSource{command: command, mdt: mdt, user: user, mount: mount}
}

func (s *LfsSource) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", s.command, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Receive runs "lfs changelog <mdt> <start> <end>"
func (s *LfsSource) Receive(ctx context.Context, fromSeq uint64, limit int) ([]Entry, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	endSeq := fromSeq + uint64(limit) - 1

	out, err := s.run(ctx, "changelog", s.mdt, strconv.FormatUint(fromSeq, 10), strconv.FormatUint(endSeq, 10))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	entries := make([]Entry, 0, limit)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		first, _, _ := strings.Cut(line, " ")
		index, err := strconv.ParseUint(first, 10, 64)
		if err != nil {
			// Kept with index 0, the reader reports it as undecodable
			entries = append(entries, Entry{Line: line})
			continue
		}
		entries = append(entries, Entry{Index: index, Line: line})
		if len(entries) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return entries, nil
}

// Clear runs "lfs changelog_clear <mdt> <user> <end>"
func (s *LfsSource) Clear(ctx context.Context, throughSeq uint64) error {
	if throughSeq == 0 {
		return nil
	}
	if _, err := s.run(ctx, "changelog_clear", s.mdt, s.user, strconv.FormatUint(throughSeq, 10)); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return nil
}

// FidToPath runs "lfs fid2path <mount> <fid>" and returns the first path
func (s *LfsSource) FidToPath(ctx context.Context, fid FID) (string, error) {
	out, err := s.run(ctx, "fid2path", s.mount, "["+string(fid)+"]")
	if err != nil {
		return "", err
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if first == "" {
		return "", fmt.Errorf("fid2path returned no path for %s", fid)
	}
	if !path.IsAbs(first) {
		first = path.Join(s.mount, first)
	}
	return first, nil
}

// Close is a no-op, every call runs its own process
func (s *LfsSource) Close() error {
	return nil
}
