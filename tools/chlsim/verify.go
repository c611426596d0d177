package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/lustre-irods/connector/catalog"
	"github.com/lustre-irods/connector/translate"
)

// Mismatch describes one path the catalog disagrees on
type Mismatch struct {
	Path        string
	CatalogPath string
	Want        string
	Got         string
}

// VerifyResult holds verification results.
type VerifyResult struct {
	Sampled    int
	Matched    int
	GoneTested int
	GoneAbsent int
	Skipped    int
	Mismatches []Mismatch // first N mismatches with details
}

// OK reports whether every checked path matched
func (r *VerifyResult) OK() bool {
	return r.Matched == r.Sampled && r.GoneAbsent == r.GoneTested
}

const maxMismatches = 20

// Verifier checks a catalog against a simulated tree
type Verifier struct {
	store   *catalog.Store
	table   *translate.Table
	filter  *translate.GlobFilter
	samples int
	timeout time.Duration
	rng     *rand.Rand
}

// NewVerifier creates a new Verifier. samples <= 0 checks every path.
func NewVerifier(store *catalog.Store, table *translate.Table, filter *translate.GlobFilter, samples int, timeout time.Duration, seed int64) *Verifier {
	return &Verifier{
		store:   store,
		table:   table,
		filter:  filter,
		samples: samples,
		timeout: timeout,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Verify checks that live paths are registered with the right kind and that
// removed paths are gone.
func (v *Verifier) Verify(ctx context.Context, tree *Tree) (*VerifyResult, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	result := &VerifyResult{}

	for _, e := range v.sample(tree.Paths()) {
		cp, ok := v.catalogPath(e.Path)
		if !ok {
			result.Skipped++
			continue
		}
		result.Sampled++

		entry, err := v.store.Stat(ctx, cp)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			result.addMismatch(Mismatch{Path: e.Path, CatalogPath: cp, Want: kind(e.Dir), Got: "NOT FOUND"})
		case err != nil:
			return nil, fmt.Errorf("failed to stat %s: %w", cp, err)
		case entry.Collection != e.Dir:
			result.addMismatch(Mismatch{Path: e.Path, CatalogPath: cp, Want: kind(e.Dir), Got: kind(entry.Collection)})
		default:
			result.Matched++
		}
	}

	gone := make([]Expected, 0, len(tree.Gone))
	for p := range tree.Gone {
		gone = append(gone, Expected{Path: p})
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].Path < gone[j].Path })

	for _, e := range v.sample(gone) {
		cp, ok := v.catalogPath(e.Path)
		if !ok {
			result.Skipped++
			continue
		}
		result.GoneTested++

		exists, err := v.store.Exists(ctx, cp)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", cp, err)
		}
		if exists {
			result.addMismatch(Mismatch{Path: e.Path, CatalogPath: cp, Want: "NOT FOUND", Got: "present"})
			continue
		}
		result.GoneAbsent++
	}

	return result, nil
}

func (v *Verifier) catalogPath(p string) (string, bool) {
	if v.filter != nil && v.filter.Excluded(p) {
		return "", false
	}
	cp, _, ok := v.table.Translate(p)
	return cp, ok
}

func (v *Verifier) sample(in []Expected) []Expected {
	if v.samples <= 0 || len(in) <= v.samples {
		return in
	}
	out := make([]Expected, len(in))
	copy(out, in)
	v.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out[:v.samples]
}

func (r *VerifyResult) addMismatch(m Mismatch) {
	if len(r.Mismatches) < maxMismatches {
		r.Mismatches = append(r.Mismatches, m)
	}
}

func kind(dir bool) string {
	if dir {
		return "collection"
	}
	return "data object"
}

// PrintVerifyResult prints the verification results.
func PrintVerifyResult(r *VerifyResult) {
	fmt.Println()
	fmt.Println("Verification:")
	fmt.Printf("  Live paths:    %d/%d registered\n", r.Matched, r.Sampled)
	fmt.Printf("  Removed paths: %d/%d absent\n", r.GoneAbsent, r.GoneTested)
	if r.Skipped > 0 {
		fmt.Printf("  Skipped:       %d (unmapped or excluded)\n", r.Skipped)
	}

	if len(r.Mismatches) > 0 {
		fmt.Println()
		fmt.Println("Mismatches:")
		for _, m := range r.Mismatches {
			fmt.Printf("  %s (%s): want %s, got %s\n", m.Path, m.CatalogPath, m.Want, m.Got)
		}
	}

	fmt.Println()
	if r.OK() {
		fmt.Println("RESULT: PASS")
	} else {
		fmt.Println("RESULT: FAIL")
	}
}
