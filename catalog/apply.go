package catalog

import (
	"context"
	"errors"

	"github.com/lustre-irods/connector/changelog"
)

// Change is one catalog mutation derived from a changelog record. It is
// applied directly by the direct strategy and sent to the catalog-side hooks
// by the policy strategy.
type Change struct {
	MDT              string           `msgpack:"mdt" json:"mdt"`
	Seq              uint64           `msgpack:"seq" json:"seq"`
	Op               changelog.OpKind `msgpack:"op" json:"op"`
	Path             string           `msgpack:"path" json:"path"`
	PhysicalPath     string           `msgpack:"phys" json:"physical_path"`
	DestPath         string           `msgpack:"dst,omitempty" json:"dest_path,omitempty"`
	DestPhysicalPath string           `msgpack:"dphys,omitempty" json:"dest_physical_path,omitempty"`
	Resource         string           `msgpack:"resc" json:"resource"`
	Size             int64            `msgpack:"size" json:"size"`
	EntityID         string           `msgpack:"fid" json:"entity_id"`
	Directory        bool             `msgpack:"dir" json:"directory"`
	Recursive        bool             `msgpack:"recursive,omitempty" json:"recursive,omitempty"`
}

func (c Change) object() Object {
	return Object{Path: c.Path, PhysicalPath: c.PhysicalPath, Resource: c.Resource, Size: c.Size, EntityID: c.EntityID}
}

func (c Change) destObject() Object {
	return Object{Path: c.DestPath, PhysicalPath: c.DestPhysicalPath, Resource: c.Resource, Size: c.Size, EntityID: c.EntityID}
}

// ApplyChange maps one change onto catalog operations:
//
//	create  register data object
//	modify  refresh size, registering a missing object
//	unlink  deregister data object
//	mkdir   create collection
//	rmdir   remove empty collection, or the whole tree when Recursive
//	rename  move, registering the destination if the source was never seen
//	link    register another name for an existing object
func ApplyChange(ctx context.Context, tx *Tx, c Change) error {
	switch c.Op {
	case changelog.OpCreate:
		return tx.Register(ctx, c.object())

	case changelog.OpModify:
		return tx.UpdateSize(ctx, c.object())

	case changelog.OpUnlink:
		return tx.Deregister(ctx, c.Path)

	case changelog.OpMkdir:
		return tx.Mkdir(ctx, c.Path, c.EntityID)

	case changelog.OpRmdir:
		if c.Recursive {
			return tx.RemoveTree(ctx, c.Path)
		}
		return tx.Rmdir(ctx, c.Path)

	case changelog.OpRename:
		err := tx.Move(ctx, MoveRequest{
			From:         c.Path,
			To:           c.DestPath,
			FromPhysical: c.PhysicalPath,
			ToPhysical:   c.DestPhysicalPath,
			EntityID:     c.EntityID,
		})
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		// Created before the connector started watching: register what is there now
		if c.Directory {
			return tx.Mkdir(ctx, c.DestPath, c.EntityID)
		}
		return tx.Register(ctx, c.destObject())

	case changelog.OpLink:
		err := tx.Link(ctx, c.Path, c.destObject())
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return tx.Register(ctx, c.destObject())

	default:
		return structural(string(c.Op), c.Path, ErrUnsupportedOp)
	}
}
