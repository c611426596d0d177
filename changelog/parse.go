package changelog

import (
	"strconv"
	"strings"
	"time"
)

// timeLayout matches the "<time> <date>" pair printed by lfs changelog
const timeLayout = "15:04:05.999999999 2006.01.02"

// typeOps maps changelog record type names onto operations. Types not listed
// here are valid but carry nothing the catalog needs.
var typeOps = map[string]OpKind{
	"CREAT": OpCreate,
	"MKDIR": OpMkdir,
	"HLINK": OpLink,
	"UNLNK": OpUnlink,
	"RMDIR": OpRmdir,
	"RENME": OpRename,
	"CLOSE": OpModify,
	"TRUNC": OpModify,
	"MTIME": OpModify,
}

// RawRecord is a changelog line split into its fields, before path resolution
type RawRecord struct {
	Index        uint64
	Type         string // CREAT, MKDIR, RENME, ...
	Time         time.Time
	Flags        uint32
	Target       FID // t=
	Parent       FID // p=
	Name         string
	Source       FID // s=, renamed entity
	SourceParent FID // sp=
	SourceName   string
}

// Op returns the operation for the record type and false for ignored types
func (r *RawRecord) Op() (OpKind, bool) {
	op, ok := typeOps[r.Type]
	return op, ok
}

// ParseEntry decodes one lfs changelog line:
//
//	<index> <NNTYPE> <hh:mm:ss.ns> <yyyy.mm.dd> <flags> t=[fid] [ef=..] [u=..] [nid=..] [p=[fid] name] [s=[fid] sp=[fid] sname]
func ParseEntry(e Entry) (*RawRecord, error) {
	fail := func(reason string) (*RawRecord, error) {
		return nil, &DecodeError{Index: e.Index, Line: e.Line, Reason: reason}
	}

	fields := strings.Fields(e.Line)
	if len(fields) < 5 {
		return fail("too few fields")
	}

	index, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return fail("bad index " + strconv.Quote(fields[0]))
	}
	if e.Index != 0 && index != e.Index {
		return fail("index mismatch")
	}

	typ := strings.TrimLeft(fields[1], "0123456789")
	if typ == "" || len(typ) == len(fields[1]) {
		return fail("bad record type " + strconv.Quote(fields[1]))
	}

	ts, err := time.ParseInLocation(timeLayout, fields[2]+" "+fields[3], time.Local)
	if err != nil {
		return fail("bad timestamp")
	}

	flags, err := strconv.ParseUint(fields[4], 0, 32)
	if err != nil {
		return fail("bad flags " + strconv.Quote(fields[4]))
	}

	rec := &RawRecord{
		Index: index,
		Type:  typ,
		Time:  ts,
		Flags: uint32(flags),
	}

	for i := 5; i < len(fields); i++ {
		tok := fields[i]
		switch {
		case strings.HasPrefix(tok, "t="):
			if rec.Target, err = parseFID(tok[2:]); err != nil {
				return fail("bad target fid")
			}
		case strings.HasPrefix(tok, "p="):
			if rec.Parent, err = parseFID(tok[2:]); err != nil {
				return fail("bad parent fid")
			}
			// The name runs up to the source part of a rename
			j := i + 1
			for j < len(fields) && !strings.HasPrefix(fields[j], "s=[") {
				j++
			}
			rec.Name = strings.Join(fields[i+1:j], " ")
			i = j - 1
		case strings.HasPrefix(tok, "s="):
			if rec.Source, err = parseFID(tok[2:]); err != nil {
				return fail("bad source fid")
			}
		case strings.HasPrefix(tok, "sp="):
			if rec.SourceParent, err = parseFID(tok[3:]); err != nil {
				return fail("bad source parent fid")
			}
			rec.SourceName = strings.Join(fields[i+1:], " ")
			i = len(fields)
		}
	}

	op, ok := rec.Op()
	if !ok {
		return rec, nil
	}

	switch op {
	case OpCreate, OpMkdir, OpLink, OpUnlink, OpRmdir:
		if rec.Parent.IsZero() || rec.Name == "" {
			return fail(typ + " without parent and name")
		}
	case OpRename:
		if rec.Parent.IsZero() || rec.Name == "" || rec.SourceParent.IsZero() || rec.SourceName == "" {
			return fail("RENME without source and target names")
		}
	case OpModify:
		if rec.Target.IsZero() {
			return fail(typ + " without target fid")
		}
	}

	return rec, nil
}

// parseFID parses "[0x200000402:0x1:0x0]"
func parseFID(s string) (FID, error) {
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return "", strconv.ErrSyntax
	}
	inner := s[1 : len(s)-1]
	parts := strings.Split(inner, ":")
	if len(parts) != 3 {
		return "", strconv.ErrSyntax
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 0, 64); err != nil {
			return "", err
		}
	}
	return FID(inner), nil
}

// FormatEntry renders a record in lfs changelog text form. Used by sources
// that synthesize changelog lines.
func FormatEntry(index uint64, typ string, ts time.Time, fields ...string) string {
	code := 0
	for i, name := range recordTypeNames {
		if name == typ {
			code = i
			break
		}
	}
	var b strings.Builder
	b.WriteString(strconv.FormatUint(index, 10))
	b.WriteByte(' ')
	if code < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.Itoa(code))
	b.WriteString(typ)
	b.WriteByte(' ')
	b.WriteString(ts.Format(timeLayout))
	b.WriteString(" 0x0")
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f)
	}
	return b.String()
}

// recordTypeNames lists changelog record types by their numeric code
var recordTypeNames = []string{
	"MARK", "CREAT", "MKDIR", "HLINK", "SLINK", "MKNOD", "UNLNK", "RMDIR",
	"RENME", "RNMTO", "OPEN", "CLOSE", "LYOUT", "TRUNC", "SATTR", "XATTR",
	"HSM", "MTIME", "CTIME", "ATIME",
}
