package catalog

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// Object describes a data object to register
type Object struct {
	Path         string `msgpack:"path" json:"path"`
	PhysicalPath string `msgpack:"phys" json:"physical_path"`
	Resource     string `msgpack:"resc" json:"resource"`
	Size         int64  `msgpack:"size" json:"size"`
	EntityID     string `msgpack:"fid" json:"entity_id"`
}

// MoveRequest renames a data object or a collection. The physical paths
// are used to rewrite the data paths of objects inside a moved collection.
// EntityID, when set, is the FID of the renamed entry; an entry of another
// entity at From is left alone.
type MoveRequest struct {
	From         string
	To           string
	FromPhysical string
	ToPhysical   string
	EntityID     string
}

func sameEntity(a, b string) bool {
	return a == "" || b == "" || a == b
}

// Tx is a catalog transaction. Every operation is idempotent: replaying a
// change that is already reflected leaves the catalog as it is. Entries
// carry the FID they were created for; a create or mkdir whose FID is
// already registered under another name was superseded by a later rename
// and is skipped.
type Tx struct {
	tx  *goqu.TxDatabase
	now int64
}

func (t *Tx) collection(ctx context.Context, name string) (collRow, bool, error) {
	var row collRow
	found, err := t.tx.From(tableColl).Where(goqu.C("coll_name").Eq(name)).ScanStructContext(ctx, &row)
	return row, found, err
}

func (t *Tx) dataObject(ctx context.Context, p string) (dataRow, bool, error) {
	var row dataRow
	coll, found, err := t.collection(ctx, path.Dir(p))
	if err != nil || !found {
		return row, false, err
	}
	found, err = t.tx.From(tableData).
		Where(goqu.Ex{"coll_id": coll.ID, "data_name": path.Base(p)}).
		ScanStructContext(ctx, &row)
	return row, found, err
}

// descendants returns collection p and every collection below it
func (t *Tx) descendants(ctx context.Context, p string) ([]collRow, error) {
	var rows []collRow
	err := t.tx.From(tableColl).
		Where(goqu.Or(
			goqu.C("coll_name").Eq(p),
			goqu.And(goqu.C("coll_name").Gte(p+"/"), goqu.C("coll_name").Lt(p+"0")),
		)).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}

	out := rows[:0]
	for _, r := range rows {
		if r.Name == p || strings.HasPrefix(r.Name, p+"/") {
			out = append(out, r)
		}
	}
	return out, nil
}

// registeredElsewhere reports whether entityID names a row of table other
// than the row with id self
func (t *Tx) registeredElsewhere(ctx context.Context, table, idColumn, entityID string, self int64) (bool, error) {
	if entityID == "" {
		return false, nil
	}
	n, err := t.tx.From(table).
		Where(goqu.C("entity_id").Eq(entityID), goqu.C(idColumn).Neq(self)).
		CountContext(ctx)
	return n > 0, err
}

// mkdirAll creates collection name and its missing parents
func (t *Tx) mkdirAll(ctx context.Context, name string) (int64, error) {
	row, found, err := t.collection(ctx, name)
	if err != nil {
		return 0, err
	}
	if found {
		return row.ID, nil
	}

	parent := ""
	if name != "/" {
		parent = path.Dir(name)
		if _, err := t.mkdirAll(ctx, parent); err != nil {
			return 0, err
		}
	}

	_, err = t.tx.Insert(tableColl).
		Rows(collRow{Name: name, ParentName: parent, CreateTS: t.now, ModifyTS: t.now}).
		Executor().ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("create collection %s: %w", name, err)
	}

	row, found, err = t.collection(ctx, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("collection %s vanished after insert", name)
	}
	return row.ID, nil
}

// Mkdir creates collection p for entity entityID and its missing parents.
// A collection already at p keeps its entity unless it has none.
func (t *Tx) Mkdir(ctx context.Context, p, entityID string) error {
	if err := checkPath("mkdir", p); err != nil {
		return err
	}
	existing, found, err := t.collection(ctx, p)
	if err != nil {
		return err
	}
	if moved, err := t.registeredElsewhere(ctx, tableColl, "coll_id", entityID, existing.ID); err != nil || moved {
		return err
	}
	if found {
		if existing.EntityID != "" || entityID == "" {
			return nil
		}
		_, err := t.tx.Update(tableColl).
			Set(goqu.Record{"entity_id": entityID, "modify_ts": t.now}).
			Where(goqu.C("coll_id").Eq(existing.ID)).
			Executor().ExecContext(ctx)
		return err
	}

	if _, found, err := t.dataObject(ctx, p); err != nil {
		return err
	} else if found {
		return structural("mkdir", p, ErrAlreadyExists)
	}
	if _, err := t.mkdirAll(ctx, p); err != nil {
		return err
	}
	if entityID == "" {
		return nil
	}
	_, err = t.tx.Update(tableColl).
		Set(goqu.Record{"entity_id": entityID}).
		Where(goqu.C("coll_name").Eq(p)).
		Executor().ExecContext(ctx)
	return err
}

// Rmdir removes empty collection p. A missing collection is not an error.
func (t *Tx) Rmdir(ctx context.Context, p string) error {
	if err := checkPath("rmdir", p); err != nil {
		return err
	}
	coll, found, err := t.collection(ctx, p)
	if err != nil || !found {
		return err
	}

	objects, err := t.tx.From(tableData).Where(goqu.C("coll_id").Eq(coll.ID)).CountContext(ctx)
	if err != nil {
		return err
	}
	children, err := t.tx.From(tableColl).Where(goqu.C("parent_coll_name").Eq(p)).CountContext(ctx)
	if err != nil {
		return err
	}
	if objects+children > 0 {
		return structural("rmdir", p, ErrCollectionNotEmpty)
	}

	_, err = t.tx.Delete(tableColl).Where(goqu.C("coll_id").Eq(coll.ID)).Executor().ExecContext(ctx)
	return err
}

// RemoveTree removes collection p with everything below it. A data object
// at p is deregistered instead.
func (t *Tx) RemoveTree(ctx context.Context, p string) error {
	if err := checkPath("remove", p); err != nil {
		return err
	}
	colls, err := t.descendants(ctx, p)
	if err != nil {
		return err
	}
	if len(colls) == 0 {
		return t.Deregister(ctx, p)
	}

	ids := make([]int64, len(colls))
	for i, c := range colls {
		ids[i] = c.ID
	}
	if _, err := t.tx.Delete(tableData).Where(goqu.C("coll_id").In(ids)).Executor().ExecContext(ctx); err != nil {
		return err
	}
	_, err = t.tx.Delete(tableColl).Where(goqu.C("coll_id").In(ids)).Executor().ExecContext(ctx)
	return err
}

func (t *Tx) newDataRow(collID int64, obj Object) dataRow {
	return dataRow{
		CollID:   collID,
		Name:     path.Base(obj.Path),
		Path:     obj.PhysicalPath,
		Resource: obj.Resource,
		Size:     obj.Size,
		EntityID: obj.EntityID,
		CreateTS: t.now,
		ModifyTS: t.now,
	}
}

func (t *Tx) refresh(ctx context.Context, id int64, obj Object) error {
	set := goqu.Record{
		"data_path": obj.PhysicalPath,
		"resc_name": obj.Resource,
		"data_size": obj.Size,
		"modify_ts": t.now,
	}
	if obj.EntityID != "" {
		set["entity_id"] = obj.EntityID
	}
	_, err := t.tx.Update(tableData).
		Set(set).
		Where(goqu.C("data_id").Eq(id)).
		Executor().ExecContext(ctx)
	return err
}

// Register registers data object obj, creating missing parent collections.
// An object already registered at the path is refreshed.
func (t *Tx) Register(ctx context.Context, obj Object) error {
	return t.register(ctx, []Object{obj}, false)
}

// RegisterBulk registers objs with a single multi-row insert. Objects
// already registered are refreshed in place. An object whose entity is
// registered under another name is skipped, and so is one whose path holds
// a different entity.
func (t *Tx) RegisterBulk(ctx context.Context, objs []Object) error {
	return t.register(ctx, objs, false)
}

// register is RegisterBulk; links set sharedEntity since another name of
// the same entity is expected to exist
func (t *Tx) register(ctx context.Context, objs []Object, sharedEntity bool) error {
	collIDs := make(map[string]int64)
	rows := make([]interface{}, 0, len(objs))
	pending := make(map[string]int, len(objs))

	for _, obj := range objs {
		if err := checkPath("register", obj.Path); err != nil {
			return err
		}
		if obj.Path == "/" {
			return structural("register", obj.Path, ErrInvalidPath)
		}
		if !sharedEntity {
			current, _, err := t.dataObject(ctx, obj.Path)
			if err != nil {
				return err
			}
			moved, err := t.registeredElsewhere(ctx, tableData, "data_id", obj.EntityID, current.ID)
			if err != nil {
				return err
			}
			if moved {
				continue
			}
		}
		if _, found, err := t.collection(ctx, obj.Path); err != nil {
			return err
		} else if found {
			return structural("register", obj.Path, ErrAlreadyExists)
		}

		dir := path.Dir(obj.Path)
		collID, ok := collIDs[dir]
		if !ok {
			id, err := t.mkdirAll(ctx, dir)
			if err != nil {
				return err
			}
			collID = id
			collIDs[dir] = id
		}

		var existing dataRow
		found, err := t.tx.From(tableData).
			Where(goqu.Ex{"coll_id": collID, "data_name": path.Base(obj.Path)}).
			ScanStructContext(ctx, &existing)
		if err != nil {
			return err
		}
		if found {
			if obj.EntityID != "" && existing.EntityID != "" && existing.EntityID != obj.EntityID {
				continue
			}
			if err := t.refresh(ctx, existing.ID, obj); err != nil {
				return err
			}
			continue
		}

		// The same path twice in one call keeps the later object
		if i, dup := pending[obj.Path]; dup {
			rows[i] = t.newDataRow(collID, obj)
			continue
		}
		pending[obj.Path] = len(rows)
		rows = append(rows, t.newDataRow(collID, obj))
	}

	if len(rows) == 0 {
		return nil
	}
	_, err := t.tx.Insert(tableData).Rows(rows...).Executor().ExecContext(ctx)
	return err
}

// Deregister removes data object p. A missing object is not an error.
func (t *Tx) Deregister(ctx context.Context, p string) error {
	if err := checkPath("deregister", p); err != nil {
		return err
	}
	row, found, err := t.dataObject(ctx, p)
	if err != nil || !found {
		return err
	}
	_, err = t.tx.Delete(tableData).Where(goqu.C("data_id").Eq(row.ID)).Executor().ExecContext(ctx)
	return err
}

// UpdateSize refreshes the size of data object obj.Path, registering it if
// it is missing
func (t *Tx) UpdateSize(ctx context.Context, obj Object) error {
	if err := checkPath("update", obj.Path); err != nil {
		return err
	}
	row, found, err := t.dataObject(ctx, obj.Path)
	if err != nil {
		return err
	}
	if !found {
		return t.Register(ctx, obj)
	}

	set := goqu.Record{"data_size": obj.Size, "modify_ts": t.now}
	if obj.PhysicalPath != "" {
		set["data_path"] = obj.PhysicalPath
	}
	_, err = t.tx.Update(tableData).Set(set).Where(goqu.C("data_id").Eq(row.ID)).Executor().ExecContext(ctx)
	return err
}

// Link registers obj as another name of the data object at from. The new
// name shares the entity and size of the existing one.
func (t *Tx) Link(ctx context.Context, from string, obj Object) error {
	if err := checkPath("link", from); err != nil {
		return err
	}
	src, found, err := t.dataObject(ctx, from)
	if err != nil {
		return err
	}
	if !found {
		return structural("link", from, ErrNotFound)
	}
	if obj.EntityID == "" {
		obj.EntityID = src.EntityID
	}
	if obj.Size == 0 {
		obj.Size = src.Size
	}
	if obj.Resource == "" {
		obj.Resource = src.Resource
	}
	return t.register(ctx, []Object{obj}, true)
}

// Move renames a data object or a collection. An existing data object at
// the destination is replaced. If the source is gone, or holds another
// entity, but the destination exists the move is taken as already applied;
// if neither is there Move fails with ErrNotFound.
func (t *Tx) Move(ctx context.Context, req MoveRequest) error {
	if err := checkPath("move", req.From); err != nil {
		return err
	}
	if err := checkPath("move", req.To); err != nil {
		return err
	}
	if req.From == req.To {
		return nil
	}

	obj, found, err := t.dataObject(ctx, req.From)
	if err != nil {
		return err
	}
	if found && sameEntity(obj.EntityID, req.EntityID) {
		return t.moveObject(ctx, obj, req)
	}

	coll, found, err := t.collection(ctx, req.From)
	if err != nil {
		return err
	}
	if found && sameEntity(coll.EntityID, req.EntityID) {
		return t.moveCollection(ctx, coll, req)
	}

	if _, err := t.Stat(ctx, req.To); err == nil {
		return nil
	} else if !IsStructural(err) {
		return err
	}
	return structural("move", req.From, ErrNotFound)
}

func (t *Tx) moveObject(ctx context.Context, obj dataRow, req MoveRequest) error {
	if _, found, err := t.collection(ctx, req.To); err != nil {
		return err
	} else if found {
		return structural("move", req.To, ErrAlreadyExists)
	}

	collID, err := t.mkdirAll(ctx, path.Dir(req.To))
	if err != nil {
		return err
	}

	dst, found, err := t.dataObject(ctx, req.To)
	if err != nil {
		return err
	}
	if found && dst.ID != obj.ID {
		if _, err := t.tx.Delete(tableData).Where(goqu.C("data_id").Eq(dst.ID)).Executor().ExecContext(ctx); err != nil {
			return err
		}
	}

	set := goqu.Record{
		"coll_id":   collID,
		"data_name": path.Base(req.To),
		"modify_ts": t.now,
	}
	if req.ToPhysical != "" {
		set["data_path"] = req.ToPhysical
	}
	_, err = t.tx.Update(tableData).Set(set).Where(goqu.C("data_id").Eq(obj.ID)).Executor().ExecContext(ctx)
	return err
}

func (t *Tx) moveCollection(ctx context.Context, coll collRow, req MoveRequest) error {
	if strings.HasPrefix(req.To, req.From+"/") {
		return structural("move", req.To, ErrInvalidPath)
	}
	if dst, found, err := t.collection(ctx, req.To); err != nil {
		return err
	} else if found && dst.EntityID != "" && dst.EntityID == coll.EntityID {
		// Already moved; the source was recreated by replayed records
		return t.RemoveTree(ctx, req.From)
	} else if found {
		// Renaming over an empty directory replaces it
		if err := t.Rmdir(ctx, dst.Name); err != nil {
			if IsStructural(err) {
				return structural("move", req.To, ErrAlreadyExists)
			}
			return err
		}
	}
	if _, found, err := t.dataObject(ctx, req.To); err != nil {
		return err
	} else if found {
		return structural("move", req.To, ErrAlreadyExists)
	}

	if _, err := t.mkdirAll(ctx, path.Dir(req.To)); err != nil {
		return err
	}

	colls, err := t.descendants(ctx, req.From)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(colls))
	for _, c := range colls {
		ids = append(ids, c.ID)
		parent := path.Dir(req.To)
		if c.ID != coll.ID {
			parent = req.To + c.ParentName[len(req.From):]
		}
		_, err := t.tx.Update(tableColl).
			Set(goqu.Record{
				"coll_name":        req.To + c.Name[len(req.From):],
				"parent_coll_name": parent,
				"modify_ts":        t.now,
			}).
			Where(goqu.C("coll_id").Eq(c.ID)).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
	}

	if req.FromPhysical == "" || req.ToPhysical == "" || req.FromPhysical == req.ToPhysical {
		return nil
	}

	// Objects inside the tree now live under the new physical directory
	var objects []dataRow
	if err := t.tx.From(tableData).Where(goqu.C("coll_id").In(ids)).ScanStructsContext(ctx, &objects); err != nil {
		return err
	}
	prefix := req.FromPhysical + "/"
	for _, o := range objects {
		if !strings.HasPrefix(o.Path, prefix) {
			continue
		}
		_, err := t.tx.Update(tableData).
			Set(goqu.Record{"data_path": req.ToPhysical + o.Path[len(req.FromPhysical):]}).
			Where(goqu.C("data_id").Eq(o.ID)).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// Stat returns the entry at p
func (t *Tx) Stat(ctx context.Context, p string) (Entry, error) {
	if err := checkPath("stat", p); err != nil {
		return Entry{}, err
	}
	coll, found, err := t.collection(ctx, p)
	if err != nil {
		return Entry{}, err
	}
	if found {
		return collEntry(coll), nil
	}

	obj, found, err := t.dataObject(ctx, p)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, structural("stat", p, ErrNotFound)
	}
	return dataEntry(path.Dir(p), obj), nil
}

// List returns the entries of collection p sorted by path
func (t *Tx) List(ctx context.Context, p string) ([]Entry, error) {
	if err := checkPath("list", p); err != nil {
		return nil, err
	}
	coll, found, err := t.collection(ctx, p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, structural("list", p, ErrNotFound)
	}

	var colls []collRow
	if err := t.tx.From(tableColl).Where(goqu.C("parent_coll_name").Eq(p)).ScanStructsContext(ctx, &colls); err != nil {
		return nil, err
	}
	var objects []dataRow
	if err := t.tx.From(tableData).Where(goqu.C("coll_id").Eq(coll.ID)).ScanStructsContext(ctx, &objects); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(colls)+len(objects))
	for _, c := range colls {
		entries = append(entries, collEntry(c))
	}
	for _, o := range objects {
		entries = append(entries, dataEntry(p, o))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func collEntry(c collRow) Entry {
	return Entry{Path: c.Name, Collection: true, ModifyTime: time.Unix(c.ModifyTS, 0).UTC()}
}

func dataEntry(dir string, o dataRow) Entry {
	return Entry{
		Path:         path.Join(dir, o.Name),
		PhysicalPath: o.Path,
		Resource:     o.Resource,
		Size:         o.Size,
		EntityID:     o.EntityID,
		ModifyTime:   time.Unix(o.ModifyTS, 0).UTC(),
	}
}
