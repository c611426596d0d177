package changelog

import (
	"context"
	"fmt"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultResolverCacheSize bounds the FID to path cache
const DefaultResolverCacheSize = 65536

type cachedPath struct {
	path string
	dir  bool
}

// Resolver turns the FIDs in changelog records into paths. It is fed records
// in sequence order, so the cache reflects the namespace as of the record
// being decoded rather than the namespace of today. FIDs the cache has not
// seen fall back to PathLookup.
//
// Not safe for concurrent use; the reader goroutine owns it.
type Resolver struct {
	root   string
	cache  *lru.Cache[FID, cachedPath]
	lookup PathLookup
}

// NewResolver creates a resolver for the filesystem mounted at root
func NewResolver(root string, size int, lookup PathLookup) (*Resolver, error) {
	if size <= 0 {
		size = DefaultResolverCacheSize
	}
	cache, err := lru.New[FID, cachedPath](size)
	if err != nil {
		return nil, err
	}
	return &Resolver{root: path.Clean(root), cache: cache, lookup: lookup}, nil
}

// Path returns the path of fid and whether it is a known directory
func (r *Resolver) Path(ctx context.Context, fid FID) (string, bool, error) {
	if fid == RootFID {
		return r.root, true, nil
	}
	if c, ok := r.cache.Get(fid); ok {
		return c.path, c.dir, nil
	}
	if r.lookup == nil {
		return "", false, fmt.Errorf("fid %s not cached", fid)
	}
	p, err := r.lookup.FidToPath(ctx, fid)
	if err != nil {
		return "", false, err
	}
	p = path.Clean(p)
	r.cache.Add(fid, cachedPath{path: p})
	return p, false, nil
}

// Len returns the number of cached FIDs
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// Decode resolves raw into a ChangeRecord and applies the record to the cache.
// raw must carry a supported type.
func (r *Resolver) Decode(ctx context.Context, mdt string, raw *RawRecord) (ChangeRecord, error) {
	op, ok := raw.Op()
	if !ok {
		return ChangeRecord{}, &DecodeError{Index: raw.Index, Reason: "unsupported record type " + raw.Type}
	}

	rec := ChangeRecord{
		MDT:       mdt,
		Seq:       raw.Index,
		Op:        op,
		EntityID:  string(raw.Target),
		ParentID:  string(raw.Parent),
		Name:      raw.Name,
		Flags:     raw.Flags,
		Timestamp: raw.Time,
	}

	fail := func(what string, err error) (ChangeRecord, error) {
		return ChangeRecord{}, &DecodeError{Index: raw.Index, Reason: fmt.Sprintf("cannot resolve %s: %v", what, err)}
	}

	switch op {
	case OpCreate, OpMkdir:
		parent, _, err := r.Path(ctx, raw.Parent)
		if err != nil {
			return fail("parent", err)
		}
		rec.SourcePath = path.Join(parent, raw.Name)
		rec.Directory = op == OpMkdir
		r.cache.Add(raw.Target, cachedPath{path: rec.SourcePath, dir: rec.Directory})

	case OpUnlink, OpRmdir:
		parent, _, err := r.Path(ctx, raw.Parent)
		if err != nil {
			return fail("parent", err)
		}
		rec.SourcePath = path.Join(parent, raw.Name)
		rec.Directory = op == OpRmdir
		if c, ok := r.cache.Peek(raw.Target); ok && c.path == rec.SourcePath {
			r.cache.Remove(raw.Target)
		}
		if rec.Directory {
			r.forgetTree(rec.SourcePath)
		}

	case OpLink:
		parent, _, err := r.Path(ctx, raw.Parent)
		if err != nil {
			return fail("parent", err)
		}
		rec.DestPath = path.Join(parent, raw.Name)
		// The existing name is optional, a link without one degrades to a create
		if existing, _, err := r.Path(ctx, raw.Target); err == nil && existing != rec.DestPath {
			rec.SourcePath = existing
		}

	case OpRename:
		srcParent, _, err := r.Path(ctx, raw.SourceParent)
		if err != nil {
			return fail("source parent", err)
		}
		dstParent, _, err := r.Path(ctx, raw.Parent)
		if err != nil {
			return fail("target parent", err)
		}
		rec.SourcePath = path.Join(srcParent, raw.SourceName)
		rec.DestPath = path.Join(dstParent, raw.Name)
		rec.EntityID = string(raw.Source)
		rec.ParentID = string(raw.SourceParent)

		if c, ok := r.cache.Peek(raw.Source); ok {
			rec.Directory = c.dir
		}
		// An overwritten target disappears from the namespace
		if !raw.Target.IsZero() {
			r.cache.Remove(raw.Target)
		}
		r.renameTree(rec.SourcePath, rec.DestPath)
		r.cache.Add(raw.Source, cachedPath{path: rec.DestPath, dir: rec.Directory})

	case OpModify:
		p, dir, err := r.Path(ctx, raw.Target)
		if err != nil {
			return fail("target", err)
		}
		rec.SourcePath = p
		rec.Directory = dir
	}

	return rec, nil
}

// renameTree rewrites every cached path below oldPath
func (r *Resolver) renameTree(oldPath, newPath string) {
	prefix := oldPath + "/"
	for _, fid := range r.cache.Keys() {
		c, ok := r.cache.Peek(fid)
		if !ok || !strings.HasPrefix(c.path, prefix) {
			continue
		}
		r.cache.Add(fid, cachedPath{path: newPath + c.path[len(oldPath):], dir: c.dir})
	}
}

// forgetTree drops every cached path below dirPath
func (r *Resolver) forgetTree(dirPath string) {
	prefix := dirPath + "/"
	for _, fid := range r.cache.Keys() {
		if c, ok := r.cache.Peek(fid); ok && strings.HasPrefix(c.path, prefix) {
			r.cache.Remove(fid)
		}
	}
}
