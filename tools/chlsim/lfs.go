package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lustre-irods/connector/changelog"
)

// stateEnv names the state directory for the lfs-compatible commands, whose
// arguments are fixed by the lfs command line
const stateEnv = "CHLSIM_STATE"

func stateFromEnv() (*State, error) {
	dir := os.Getenv(stateEnv)
	if dir == "" {
		return nil, fmt.Errorf("%s is not set", stateEnv)
	}
	return OpenState(dir)
}

// runChangelog serves "changelog <mdt> [start [end]]"
func runChangelog(args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("usage: changelog <mdt> [start [end]]")
	}
	var from, to uint64
	var err error
	if len(args) > 1 {
		if from, err = strconv.ParseUint(args[1], 10, 64); err != nil {
			return fmt.Errorf("bad start record: %w", err)
		}
	}
	if len(args) > 2 {
		if to, err = strconv.ParseUint(args[2], 10, 64); err != nil {
			return fmt.Errorf("bad end record: %w", err)
		}
	}

	state, err := stateFromEnv()
	if err != nil {
		return err
	}
	if err := checkMDT(state, args[0]); err != nil {
		return err
	}

	lines, err := state.Entries(from, to)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

// runChangelogClear serves "changelog_clear <mdt> <user> <end>"
func runChangelogClear(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: changelog_clear <mdt> <user> <end>")
	}
	through, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("bad end record: %w", err)
	}

	state, err := stateFromEnv()
	if err != nil {
		return err
	}
	if err := checkMDT(state, args[0]); err != nil {
		return err
	}
	return state.Clear(through)
}

// runFid2path serves "fid2path <mount> <fid>..."
func runFid2path(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: fid2path <mount> <fid>...")
	}

	state, err := stateFromEnv()
	if err != nil {
		return err
	}
	tree, err := state.LoadTree("", "")
	if err != nil {
		return err
	}

	for _, arg := range args[1:] {
		fid := changelog.FID(strings.Trim(arg, "[]"))
		if fid == changelog.RootFID {
			fmt.Println("/")
			continue
		}
		rel, ok := tree.RelPath(fid)
		if !ok {
			return fmt.Errorf("%s: no such file or directory", arg)
		}
		fmt.Println(rel)
	}
	return nil
}

func checkMDT(state *State, mdt string) error {
	tree, err := state.LoadTree("", "")
	if err != nil {
		return err
	}
	if tree.MDT != "" && tree.MDT != mdt {
		return fmt.Errorf("%s: no such device", mdt)
	}
	return nil
}
