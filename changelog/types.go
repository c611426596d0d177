// Package changelog consumes one MDT's Lustre changelog: it decodes raw
// entries into ChangeRecords, resolves their filesystem paths and feeds them to
// the rest of the shard pipeline while holding the shard's cursor.
package changelog

import (
	"errors"
	"fmt"
	"time"
)

// OpKind is the normalized operation carried by a ChangeRecord
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUnlink OpKind = "unlink"
	OpRename OpKind = "rename"
	OpMkdir  OpKind = "mkdir"
	OpRmdir  OpKind = "rmdir"
	OpLink   OpKind = "link"
	OpModify OpKind = "modify" // Content or size changed (CLOSE, TRUNC, MTIME)
)

// ChangeRecord is one decoded filesystem metadata event. Records are
// immutable once emitted by the reader.
type ChangeRecord struct {
	MDT        string    `msgpack:"mdt" json:"mdt"`
	Seq        uint64    `msgpack:"seq" json:"seq"`
	Op         OpKind    `msgpack:"op" json:"op"`
	SourcePath string    `msgpack:"src" json:"source_path"`
	DestPath   string    `msgpack:"dst,omitempty" json:"dest_path,omitempty"`
	EntityID   string    `msgpack:"fid" json:"entity_id"`
	ParentID   string    `msgpack:"pfid,omitempty" json:"parent_id,omitempty"`
	Name       string    `msgpack:"name,omitempty" json:"name,omitempty"`
	Flags      uint32    `msgpack:"flags" json:"flags"`
	Directory  bool      `msgpack:"dir" json:"directory"`
	Timestamp  time.Time `msgpack:"ts" json:"timestamp"`
}

func (r ChangeRecord) String() string {
	if r.DestPath != "" {
		return fmt.Sprintf("%d %s %s -> %s", r.Seq, r.Op, r.SourcePath, r.DestPath)
	}
	return fmt.Sprintf("%d %s %s", r.Seq, r.Op, r.SourcePath)
}

// Entry is one raw changelog line as returned by a Source
type Entry struct {
	Index uint64
	Line  string
}

// FID is a Lustre file identifier in its bracket-less text form, 0x...:0x...:0x...
type FID string

// RootFID is the FID of every Lustre filesystem's root directory
const RootFID FID = "0x200000007:0x1:0x0"

// IsZero reports whether the FID is absent or the null FID
func (f FID) IsZero() bool {
	return f == "" || f == "0:0x0:0x0" || f == "0x0:0x0:0x0"
}

// ErrSourceUnavailable marks a changelog source that could not be reached.
// Polls failing with it are retried after the connect failure interval.
var ErrSourceUnavailable = errors.New("changelog source unavailable")

// DecodeError reports an entry that could not be turned into a ChangeRecord.
// Such entries are skipped and never stop the reader.
type DecodeError struct {
	Index  uint64
	Line   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode changelog entry %d: %s", e.Index, e.Reason)
}

// IsDecodeError reports whether err is a DecodeError
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
