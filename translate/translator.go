package translate

import (
	"context"

	"github.com/lustre-irods/connector/changelog"
	"github.com/lustre-irods/connector/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Record is a change record bound to catalog paths. Op is the operation the
// catalog applies, which differs from Change.Op when a rename or link only
// has one side inside the register map.
type Record struct {
	Change changelog.ChangeRecord `msgpack:"change" json:"change"`
	Op     changelog.OpKind       `msgpack:"op" json:"op"`

	Path         string `msgpack:"path" json:"path"`                   // Catalog path acted on
	PhysicalPath string `msgpack:"phys" json:"physical_path"`          // Filesystem path behind Path
	Root         string `msgpack:"root" json:"root"`                   // Catalog root of the mapping holding Path
	DestPath     string `msgpack:"dst,omitempty" json:"dest_path,omitempty"`
	DestPhysical string `msgpack:"dphys,omitempty" json:"dest_physical_path,omitempty"`
	DestRoot     string `msgpack:"droot,omitempty" json:"dest_root,omitempty"`

	Resource string `msgpack:"resc" json:"resource"`
	Degraded bool   `msgpack:"degraded,omitempty" json:"degraded,omitempty"`
}

// Seq returns the changelog index of the record
func (r Record) Seq() uint64 {
	return r.Change.Seq
}

// Directory reports whether the record acts on a collection
func (r Record) Directory() bool {
	return r.Change.Directory
}

// Skip reasons reported to metrics and logs
const (
	ReasonUnmapped  = "unmapped"
	ReasonExcluded  = "excluded"
	ReasonDirectory = "directory"
)

// Translator binds change records to catalog paths
type Translator struct {
	mdt      string
	table    *Table
	filter   *GlobFilter
	resource string
	logger   zerolog.Logger
}

// NewTranslator creates a translator for one shard. filter may be nil.
func NewTranslator(mdt string, table *Table, filter *GlobFilter, resource string) *Translator {
	return &Translator{
		mdt:      mdt,
		table:    table,
		filter:   filter,
		resource: resource,
		logger:   log.With().Str("mdt", mdt).Str("component", "translator").Logger(),
	}
}

type side struct {
	catalog  string
	physical string
	root     string
	ok       bool
	reason   string
}

func (t *Translator) lookup(p string) side {
	if p == "" {
		return side{reason: ReasonUnmapped}
	}
	if t.filter.Excluded(p) {
		return side{reason: ReasonExcluded}
	}
	catalogPath, root, ok := t.table.Translate(p)
	if !ok {
		return side{reason: ReasonUnmapped}
	}
	return side{catalog: catalogPath, physical: p, root: root, ok: true}
}

// Translate returns the catalog operation for rec. When ok is false the
// record has nothing to apply and reason says why.
func (t *Translator) Translate(rec changelog.ChangeRecord) (out Record, reason string, ok bool) {
	out = Record{Change: rec, Op: rec.Op, Resource: t.resource}

	switch rec.Op {
	case changelog.OpRename, changelog.OpLink:
		src := t.lookup(rec.SourcePath)
		dst := t.lookup(rec.DestPath)
		switch {
		case src.ok && dst.ok:
			out.Path, out.PhysicalPath, out.Root = src.catalog, src.physical, src.root
			out.DestPath, out.DestPhysical, out.DestRoot = dst.catalog, dst.physical, dst.root

		case dst.ok:
			// Only the destination is visible to the catalog: the entry appears
			out.Op = changelog.OpCreate
			if rec.Directory {
				out.Op = changelog.OpMkdir
			}
			out.Path, out.PhysicalPath, out.Root = dst.catalog, dst.physical, dst.root
			out.Degraded = true

		case src.ok && rec.Op == changelog.OpRename:
			// Moved out of every mapping: the entry disappears
			out.Op = changelog.OpUnlink
			if rec.Directory {
				out.Op = changelog.OpRmdir
			}
			out.Path, out.PhysicalPath, out.Root = src.catalog, src.physical, src.root
			out.Degraded = true

		default:
			// A link never removes its source, so a source-only link is a no-op
			if src.ok {
				return out, ReasonUnmapped, false
			}
			return out, firstReason(src, dst), false
		}

	default:
		if rec.Op == changelog.OpModify && rec.Directory {
			return out, ReasonDirectory, false
		}
		src := t.lookup(rec.SourcePath)
		if !src.ok {
			return out, src.reason, false
		}
		out.Path, out.PhysicalPath, out.Root = src.catalog, src.physical, src.root
	}

	return out, "", true
}

func firstReason(sides ...side) string {
	for _, s := range sides {
		if s.reason == ReasonExcluded {
			return ReasonExcluded
		}
	}
	return ReasonUnmapped
}

// Run translates records from in until it is closed, then closes out.
// drop is called with the index of every record that has nothing to apply.
func (t *Translator) Run(ctx context.Context, in <-chan changelog.ChangeRecord, out chan<- Record, drop func(seq uint64)) error {
	defer close(out)

	for {
		var (
			rec  changelog.ChangeRecord
			more bool
		)
		select {
		case rec, more = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !more {
			return nil
		}

		tr, reason, ok := t.Translate(rec)
		if !ok {
			telemetry.RecordsSkippedTotal.With(t.mdt, reason).Inc()
			t.logger.Debug().Uint64("seq", rec.Seq).Str("reason", reason).Str("path", rec.SourcePath).Msg("Dropping change record")
			if drop != nil {
				drop(rec.Seq)
			}
			continue
		}

		if tr.Degraded {
			t.logger.Debug().
				Uint64("seq", rec.Seq).
				Str("from", string(rec.Op)).
				Str("to", string(tr.Op)).
				Str("path", tr.Path).
				Msg("Degraded change record to single-sided operation")
		}

		select {
		case out <- tr:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
