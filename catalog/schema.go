package catalog

// Catalog tables follow the iRODS ICAT layout: collections in r_coll_main,
// data objects in r_data_main keyed by (coll_id, data_name). Both carry the
// Lustre FID of the entry in entity_id so replayed records can be told apart
// from new ones.
const (
	tableColl = "r_coll_main"
	tableData = "r_data_main"
)

var schemas = map[string][]string{
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS r_coll_main (
			coll_id          INTEGER PRIMARY KEY AUTOINCREMENT,
			coll_name        TEXT NOT NULL UNIQUE,
			parent_coll_name TEXT NOT NULL,
			entity_id        TEXT NOT NULL DEFAULT '',
			create_ts        INTEGER NOT NULL,
			modify_ts        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS r_data_main (
			data_id    INTEGER PRIMARY KEY AUTOINCREMENT,
			coll_id    INTEGER NOT NULL,
			data_name  TEXT NOT NULL,
			data_path  TEXT NOT NULL,
			resc_name  TEXT NOT NULL,
			data_size  INTEGER NOT NULL DEFAULT 0,
			entity_id  TEXT NOT NULL DEFAULT '',
			create_ts  INTEGER NOT NULL,
			modify_ts  INTEGER NOT NULL,
			UNIQUE (coll_id, data_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_data_entity ON r_data_main (entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_coll_parent ON r_coll_main (parent_coll_name)`,
		`CREATE INDEX IF NOT EXISTS idx_coll_entity ON r_coll_main (entity_id)`,
	},
	DialectMySQL: {
		`CREATE TABLE IF NOT EXISTS r_coll_main (
			coll_id          BIGINT AUTO_INCREMENT PRIMARY KEY,
			coll_name        VARCHAR(768) NOT NULL,
			parent_coll_name VARCHAR(768) NOT NULL,
			entity_id        VARCHAR(64) NOT NULL DEFAULT '',
			create_ts        BIGINT NOT NULL,
			modify_ts        BIGINT NOT NULL,
			UNIQUE KEY idx_coll_name (coll_name),
			KEY idx_coll_parent (parent_coll_name),
			KEY idx_coll_entity (entity_id)
		) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin`,
		`CREATE TABLE IF NOT EXISTS r_data_main (
			data_id    BIGINT AUTO_INCREMENT PRIMARY KEY,
			coll_id    BIGINT NOT NULL,
			data_name  VARCHAR(700) NOT NULL,
			data_path  TEXT NOT NULL,
			resc_name  VARCHAR(250) NOT NULL,
			data_size  BIGINT NOT NULL DEFAULT 0,
			entity_id  VARCHAR(64) NOT NULL DEFAULT '',
			create_ts  BIGINT NOT NULL,
			modify_ts  BIGINT NOT NULL,
			UNIQUE KEY idx_data_name (coll_id, data_name),
			KEY idx_data_entity (entity_id)
		) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin`,
	},
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS r_coll_main (
			coll_id          BIGSERIAL PRIMARY KEY,
			coll_name        TEXT NOT NULL UNIQUE,
			parent_coll_name TEXT NOT NULL,
			entity_id        TEXT NOT NULL DEFAULT '',
			create_ts        BIGINT NOT NULL,
			modify_ts        BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS r_data_main (
			data_id    BIGSERIAL PRIMARY KEY,
			coll_id    BIGINT NOT NULL,
			data_name  TEXT NOT NULL,
			data_path  TEXT NOT NULL,
			resc_name  TEXT NOT NULL,
			data_size  BIGINT NOT NULL DEFAULT 0,
			entity_id  TEXT NOT NULL DEFAULT '',
			create_ts  BIGINT NOT NULL,
			modify_ts  BIGINT NOT NULL,
			UNIQUE (coll_id, data_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_data_entity ON r_data_main (entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_coll_parent ON r_coll_main (parent_coll_name)`,
		`CREATE INDEX IF NOT EXISTS idx_coll_entity ON r_coll_main (entity_id)`,
	},
}

// collRow is one r_coll_main row
type collRow struct {
	ID         int64  `db:"coll_id" goqu:"skipinsert"`
	Name       string `db:"coll_name"`
	ParentName string `db:"parent_coll_name"`
	EntityID   string `db:"entity_id"`
	CreateTS   int64  `db:"create_ts"`
	ModifyTS   int64  `db:"modify_ts"`
}

// dataRow is one r_data_main row
type dataRow struct {
	ID       int64  `db:"data_id" goqu:"skipinsert"`
	CollID   int64  `db:"coll_id"`
	Name     string `db:"data_name"`
	Path     string `db:"data_path"`
	Resource string `db:"resc_name"`
	Size     int64  `db:"data_size"`
	EntityID string `db:"entity_id"`
	CreateTS int64  `db:"create_ts"`
	ModifyTS int64  `db:"modify_ts"`
}
