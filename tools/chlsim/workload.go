package main

import (
	"fmt"
	"math/rand"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lustre-irods/connector/changelog"
)

type OpType int

const (
	OpCreate OpType = iota
	OpMkdir
	OpModify
	OpRename
	OpUnlink
	OpRmdir
)

func (o OpType) String() string {
	switch o {
	case OpCreate:
		return "CREAT"
	case OpMkdir:
		return "MKDIR"
	case OpModify:
		return "CLOSE"
	case OpRename:
		return "RENME"
	case OpUnlink:
		return "UNLNK"
	case OpRmdir:
		return "RMDIR"
	default:
		return "UNKNOWN"
	}
}

var allOps = []OpType{OpCreate, OpMkdir, OpModify, OpRename, OpUnlink, OpRmdir}

// zeroFID is the t= of a rename that did not replace anything
const zeroFID = "0:0x0:0x0"

type node struct {
	Parent changelog.FID `msgpack:"p"`
	Name   string        `msgpack:"n"`
	Dir    bool          `msgpack:"d"`
}

// Tree is the simulated namespace of one MDT. Nodes have a single parent,
// hard links are not simulated.
type Tree struct {
	MDT       string                  `msgpack:"mdt"`
	Mount     string                  `msgpack:"mount"`
	NextOID   uint64                  `msgpack:"next_oid"`
	NextIndex uint64                  `msgpack:"next_index"`
	Nodes     map[changelog.FID]*node `msgpack:"nodes"`
	Gone      map[string]bool         `msgpack:"gone"` // removed paths not reused since
	files     *fidSet
	dirs      *fidSet // includes the root
	children  map[changelog.FID]int
}

// NewTree creates an empty namespace mounted at mount
func NewTree(mdt, mount string) *Tree {
	t := &Tree{
		MDT:       mdt,
		Mount:     mount,
		NextOID:   1,
		NextIndex: 1,
		Nodes:     make(map[changelog.FID]*node),
		Gone:      make(map[string]bool),
	}
	t.index()
	return t
}

// index rebuilds the lookup structures after decoding
func (t *Tree) index() {
	if t.Nodes == nil {
		t.Nodes = make(map[changelog.FID]*node)
	}
	if t.Gone == nil {
		t.Gone = make(map[string]bool)
	}
	t.files = newFIDSet()
	t.dirs = newFIDSet()
	t.children = make(map[changelog.FID]int)

	// Sorted so a seeded generator replays the same way after a reload
	fids := make([]changelog.FID, 0, len(t.Nodes))
	for fid := range t.Nodes {
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	t.dirs.add(changelog.RootFID)
	for _, fid := range fids {
		n := t.Nodes[fid]
		if n.Dir {
			t.dirs.add(fid)
		} else {
			t.files.add(fid)
		}
		t.children[n.Parent]++
	}
}

// Path returns the absolute path of fid
func (t *Tree) Path(fid changelog.FID) (string, bool) {
	var parts []string
	for fid != changelog.RootFID {
		n, ok := t.Nodes[fid]
		if !ok {
			return "", false
		}
		parts = append(parts, n.Name)
		fid = n.Parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return path.Join(append([]string{t.Mount}, parts...)...), true
}

// RelPath returns the path of fid relative to the mount, as fid2path prints it
func (t *Tree) RelPath(fid changelog.FID) (string, bool) {
	p, ok := t.Path(fid)
	if !ok {
		return "", false
	}
	if p == t.Mount {
		return "", true
	}
	return strings.TrimPrefix(p, t.Mount+"/"), true
}

// Len returns the number of entries below the root
func (t *Tree) Len() int {
	return len(t.Nodes)
}

// Paths returns every live path with its directory flag, sorted
func (t *Tree) Paths() []Expected {
	out := make([]Expected, 0, len(t.Nodes))
	for fid, n := range t.Nodes {
		p, _ := t.Path(fid)
		out = append(out, Expected{Path: p, Dir: n.Dir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Expected is a path the catalog should hold
type Expected struct {
	Path string
	Dir  bool
}

func (t *Tree) newFID() changelog.FID {
	fid := changelog.FID(fmt.Sprintf("0x200000402:0x%x:0x0", t.NextOID))
	t.NextOID++
	return fid
}

func (t *Tree) freshName(dir bool) string {
	oid := t.NextOID
	t.NextOID++
	if dir {
		return fmt.Sprintf("dir%d", oid)
	}
	return fmt.Sprintf("file%d", oid)
}

// descendants returns fid and everything below it
func (t *Tree) descendants(fid changelog.FID) []changelog.FID {
	out := []changelog.FID{fid}
	for i := 0; i < len(out); i++ {
		if t.children[out[i]] == 0 {
			continue
		}
		for child, n := range t.Nodes {
			if n.Parent == out[i] {
				out = append(out, child)
			}
		}
	}
	return out
}

// isAncestor reports whether a is dir or one of its ancestors
func (t *Tree) isAncestor(a, dir changelog.FID) bool {
	for fid := dir; ; {
		if fid == a {
			return true
		}
		n, ok := t.Nodes[fid]
		if !ok {
			return false
		}
		fid = n.Parent
	}
}

func (t *Tree) insert(fid changelog.FID, n *node) {
	t.Nodes[fid] = n
	t.children[n.Parent]++
	if n.Dir {
		t.dirs.add(fid)
	} else {
		t.files.add(fid)
	}
	if p, ok := t.Path(fid); ok {
		delete(t.Gone, p)
	}
}

func (t *Tree) remove(fid changelog.FID) {
	n := t.Nodes[fid]
	if p, ok := t.Path(fid); ok {
		t.Gone[p] = true
	}
	t.children[n.Parent]--
	delete(t.Nodes, fid)
	t.files.remove(fid)
	t.dirs.remove(fid)
}

func (t *Tree) move(fid, parent changelog.FID, name string) {
	moved := t.descendants(fid)
	for _, d := range moved {
		if p, ok := t.Path(d); ok {
			t.Gone[p] = true
		}
	}
	n := t.Nodes[fid]
	t.children[n.Parent]--
	n.Parent, n.Name = parent, name
	t.children[parent]++
	for _, d := range moved {
		if p, ok := t.Path(d); ok {
			delete(t.Gone, p)
		}
	}
}

// fidSet supports uniform random picks with O(1) add and remove
type fidSet struct {
	list []changelog.FID
	pos  map[changelog.FID]int
}

func newFIDSet() *fidSet {
	return &fidSet{pos: make(map[changelog.FID]int)}
}

func (s *fidSet) add(fid changelog.FID) {
	if _, ok := s.pos[fid]; ok {
		return
	}
	s.pos[fid] = len(s.list)
	s.list = append(s.list, fid)
}

func (s *fidSet) remove(fid changelog.FID) {
	i, ok := s.pos[fid]
	if !ok {
		return
	}
	last := s.list[len(s.list)-1]
	s.list[i] = last
	s.pos[last] = i
	s.list = s.list[:len(s.list)-1]
	delete(s.pos, fid)
}

func (s *fidSet) len() int {
	return len(s.list)
}

func (s *fidSet) random(rng *rand.Rand) changelog.FID {
	return s.list[rng.Intn(len(s.list))]
}

// OpSelector selects operations based on workload distribution.
type OpSelector struct {
	dist       WorkloadDistribution
	thresholds [6]int // Cumulative thresholds for each op type
	rng        *rand.Rand
}

// NewOpSelector creates an operation selector.
func NewOpSelector(dist WorkloadDistribution, rng *rand.Rand) *OpSelector {
	s := &OpSelector{
		dist: dist,
		rng:  rng,
	}

	s.thresholds[0] = dist.Create
	s.thresholds[1] = s.thresholds[0] + dist.Mkdir
	s.thresholds[2] = s.thresholds[1] + dist.Modify
	s.thresholds[3] = s.thresholds[2] + dist.Rename
	s.thresholds[4] = s.thresholds[3] + dist.Unlink
	s.thresholds[5] = s.thresholds[4] + dist.Rmdir

	return s
}

// Select returns a random operation type based on distribution.
func (s *OpSelector) Select() OpType {
	r := s.rng.Intn(100)
	for i, threshold := range s.thresholds {
		if r < threshold {
			return allOps[i]
		}
	}
	return OpCreate
}

// Generator applies random operations to a tree and renders each one as a
// changelog line.
type Generator struct {
	tree     *Tree
	selector *OpSelector
	rng      *rand.Rand
	now      func() time.Time
	counts   map[OpType]int
}

// NewGenerator creates a generator over tree. The same seed and tree give
// the same sequence of lines.
func NewGenerator(tree *Tree, dist WorkloadDistribution, seed int64) *Generator {
	rng := rand.New(rand.NewSource(seed))
	return &Generator{
		tree:     tree,
		selector: NewOpSelector(dist, rng),
		rng:      rng,
		now:      time.Now,
		counts:   make(map[OpType]int),
	}
}

// Counts returns how many lines of each type were generated
func (g *Generator) Counts() map[OpType]int {
	out := make(map[OpType]int, len(g.counts))
	for op, n := range g.counts {
		out[op] = n
	}
	return out
}

// Next performs one operation and returns its changelog line
func (g *Generator) Next() string {
	op := g.selector.Select()
	fields, op := g.apply(op)
	g.counts[op]++

	index := g.tree.NextIndex
	g.tree.NextIndex++
	return changelog.FormatEntry(index, op.String(), g.now(), fields...)
}

// apply falls back to a create when the picked operation has no candidate
func (g *Generator) apply(op OpType) ([]string, OpType) {
	t := g.tree
	switch op {
	case OpModify:
		if t.files.len() > 0 {
			fid := t.files.random(g.rng)
			return []string{"t=" + bracket(fid)}, OpModify
		}
	case OpUnlink:
		if t.files.len() > 0 {
			fid := t.files.random(g.rng)
			n := *t.Nodes[fid]
			t.remove(fid)
			return []string{"t=" + bracket(fid), "p=" + bracket(n.Parent), n.Name}, OpUnlink
		}
	case OpRmdir:
		if fid, ok := g.emptyDir(); ok {
			n := *t.Nodes[fid]
			t.remove(fid)
			return []string{"t=" + bracket(fid), "p=" + bracket(n.Parent), n.Name}, OpRmdir
		}
	case OpRename:
		if fields, ok := g.rename(); ok {
			return fields, OpRename
		}
	case OpMkdir:
		return g.create(true), OpMkdir
	}
	return g.create(false), OpCreate
}

func (g *Generator) create(dir bool) []string {
	t := g.tree
	parent := t.dirs.random(g.rng)
	fid := t.newFID()
	name := t.freshName(dir)
	t.insert(fid, &node{Parent: parent, Name: name, Dir: dir})
	return []string{"t=" + bracket(fid), "p=" + bracket(parent), name}
}

func (g *Generator) emptyDir() (changelog.FID, bool) {
	t := g.tree
	n := t.dirs.len()
	if n <= 1 {
		return "", false
	}
	start := g.rng.Intn(n)
	for i := 0; i < n; i++ {
		fid := t.dirs.list[(start+i)%n]
		if fid != changelog.RootFID && t.children[fid] == 0 {
			return fid, true
		}
	}
	return "", false
}

func (g *Generator) rename() ([]string, bool) {
	t := g.tree
	if t.Len() == 0 {
		return nil, false
	}

	var fid changelog.FID
	if t.files.len() > 0 && (t.dirs.len() <= 1 || g.rng.Intn(4) > 0) {
		fid = t.files.random(g.rng)
	} else {
		for {
			fid = t.dirs.random(g.rng)
			if fid != changelog.RootFID {
				break
			}
		}
	}
	n := t.Nodes[fid]

	// A directory cannot move below itself
	parent := t.dirs.random(g.rng)
	if n.Dir && t.isAncestor(fid, parent) {
		parent = changelog.RootFID
	}

	oldParent, oldName := n.Parent, n.Name
	name := t.freshName(n.Dir)
	t.move(fid, parent, name)

	return []string{
		"t=" + bracket(zeroFID),
		"p=" + bracket(parent), name,
		"s=" + bracket(fid),
		"sp=" + bracket(oldParent), oldName,
	}, true
}

func bracket(fid changelog.FID) string {
	return "[" + string(fid) + "]"
}
