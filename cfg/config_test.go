package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validShard(mdt string) ShardConfiguration {
	s := ShardConfiguration{
		MDTName:           mdt,
		LustreRootPath:    "/lustreResc/lustre01",
		IrodsResourceName: "lustreResc",
		RegisterMap: []RegisterMapping{
			{LustrePath: "/lustreResc/lustre01/home", IrodsPath: "/tempZone/home"},
			{LustrePath: "/lustreResc/lustre01", IrodsPath: "/tempZone/lustre01"},
		},
	}
	s.ApplyDefaults()
	return s
}

func TestApplyDefaults(t *testing.T) {
	s := validShard("lustre01-MDT0000")

	assert.Equal(t, UpdateDirect, s.IrodsAPIUpdateType)
	assert.Equal(t, 1, s.ChangelogPollIntervalSeconds)
	assert.Equal(t, 5, s.IrodsUpdaterThreadCount)
	assert.Equal(t, 200, s.MaximumRecordsPerUpdateToIrods)
	assert.Equal(t, 500, s.MaximumRecordsToReceiveFromLustreChangelog)
	assert.Equal(t, 2000, s.MessageReceiveTimeoutMsec)
	assert.Equal(t, 3, s.MaximumRedeliveryAttempts)
	assert.Equal(t, 200, s.BatchFlushIntervalMsec)
	assert.Equal(t, 4*200*5, s.MaximumPendingRecords)
	assert.Equal(t, "inproc://lustre01-MDT0000/changelog-push", s.ChangelogReaderPushWorkAddress)
	assert.Equal(t, zerolog.InfoLevel, s.Level())
}

func TestShardValidate_Valid(t *testing.T) {
	s := validShard("lustre01-MDT0000")
	require.NoError(t, s.Validate())
}

func TestShardValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *ShardConfiguration)
	}{
		{"missing mdtname", func(s *ShardConfiguration) { s.MDTName = "" }},
		{"missing root", func(s *ShardConfiguration) { s.LustreRootPath = "" }},
		{"relative root", func(s *ShardConfiguration) { s.LustreRootPath = "lustre01" }},
		{"missing resource", func(s *ShardConfiguration) { s.IrodsResourceName = "" }},
		{"bad update type", func(s *ShardConfiguration) { s.IrodsAPIUpdateType = "bulk" }},
		{"bad log level", func(s *ShardConfiguration) { s.LogLevel = "TRACE" }},
		{"zero threads", func(s *ShardConfiguration) { s.IrodsUpdaterThreadCount = -1 }},
		{"empty register map", func(s *ShardConfiguration) { s.RegisterMap = nil }},
		{"relative mapping", func(s *ShardConfiguration) {
			s.RegisterMap = []RegisterMapping{{LustrePath: "lustre01", IrodsPath: "/tempZone"}}
		}},
		{"unclean mapping", func(s *ShardConfiguration) {
			s.RegisterMap = []RegisterMapping{{LustrePath: "/lustre01/", IrodsPath: "/tempZone"}}
		}},
		{"duplicate mapping", func(s *ShardConfiguration) {
			s.RegisterMap = append(s.RegisterMap, RegisterMapping{LustrePath: "/lustreResc/lustre01", IrodsPath: "/other"})
		}},
		{"dsn without scheme", func(s *ShardConfiguration) { s.CatalogDSN = "catalog.db" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validShard("lustre01-MDT0000")
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "expected ConfigError, got %T", err)
		})
	}
}

func TestValidate_DuplicateShards(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{
		Logging: LoggingConfiguration{Format: "console"},
		Shard:   []ShardConfiguration{validShard("mdt0"), validShard("mdt0")},
	}
	err := Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate mdtname")
}

func TestValidate_SharedAddress(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	a := validShard("mdt0")
	b := validShard("mdt1")
	a.ChangelogReaderBroadcastAddress = "tcp://127.0.0.1:5556"
	b.IrodsClientBroadcastAddress = "tcp://127.0.0.1:5556"

	Config = &Configuration{
		Logging: LoggingConfiguration{Format: "console"},
		Shard:   []ShardConfiguration{a, b},
	}
	err := Validate()
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestValidate_TwoShards(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{
		Logging: LoggingConfiguration{Format: "json"},
		Shard:   []ShardConfiguration{validShard("mdt0"), validShard("mdt1")},
	}
	require.NoError(t, Validate())
}

func TestValidate_NoShards(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{Logging: LoggingConfiguration{Format: "console"}}
	assert.True(t, IsConfigError(Validate()))
}

const shardDoc = `
mdtname = "lustre01-MDT0000"
lustre_root_path = "/lustreResc/lustre01"
irods_resource_name = "lustreResc"
irods_api_update_type = "policy"
log_level = "LOG_DBG"
changelog_poll_interval_seconds = 1
irods_client_broadcast_address = "tcp://127.0.0.1:5555"
changelog_reader_broadcast_address = "tcp://127.0.0.1:5556"
changelog_reader_push_work_address = "tcp://127.0.0.1:5557"
result_accumulator_push_address = "tcp://127.0.0.1:5558"
irods_updater_thread_count = 5
maximum_records_per_update_to_irods = 200
maximum_records_per_sql_command = 1
maximum_records_to_receive_from_lustre_changelog = 500
message_receive_timeout_msec = 2000

[[register_map]]
lustre_path = "/lustreResc/lustre01/home"
irods_register_path = "/tempZone/home"

[[register_map]]
lustre_path = "/lustreResc/lustre01"
irods_register_path = "/tempZone/lustre01"
`

func TestLoadShard(t *testing.T) {
	p := filepath.Join(t.TempDir(), "mdt0.toml")
	require.NoError(t, os.WriteFile(p, []byte(shardDoc), 0644))

	s, err := LoadShard(p)
	require.NoError(t, err)
	assert.Equal(t, "lustre01-MDT0000", s.MDTName)
	assert.Equal(t, UpdatePolicy, s.IrodsAPIUpdateType)
	assert.Equal(t, zerolog.DebugLevel, s.Level())
	require.Len(t, s.RegisterMap, 2)
	assert.Equal(t, "/tempZone/home", s.RegisterMap[0].IrodsPath)
	assert.Equal(t, "tcp://127.0.0.1:5557", s.ChangelogReaderPushWorkAddress)
	assert.Equal(t, 3, s.MaximumCallRetries)
	require.NoError(t, s.Validate())
}

func TestLoadShard_Malformed(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(p, []byte("mdtname = [unterminated"), 0644))

	_, err := LoadShard(p)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

const shardJSON = `{
    "mdtname": "lustre01-MDT0000",
    "lustre_root_path": "/lustreResc/lustre01",
    "irods_resource_name": "lustreResc",
    "irods_api_update_type": "direct",
    "log_level": "LOG_ERR",
    "changelog_poll_interval_seconds": 1,
    "irods_client_connect_failure_retry_seconds": 30,
    "irods_client_broadcast_address": "tcp://127.0.0.1:5555",
    "changelog_reader_broadcast_address": "tcp://127.0.0.1:5556",
    "changelog_reader_push_work_address": "tcp://127.0.0.1:5557",
    "result_accumulator_push_address": "tcp://127.0.0.1:5558",
    "irods_updater_thread_count": 5,
    "maximum_records_per_update_to_irods": 200,
    "maximum_records_per_sql_command": 1,
    "maximum_records_to_receive_from_lustre_changelog": 500,
    "message_receive_timeout_msec": 2000,
    "register_map": [
        {"lustre_path": "/lustreResc/lustre01/home", "irods_register_path": "/tempZone/home"},
        {"lustre_path": "/lustreResc/lustre01/a", "irods_register_path": "/tempZone/a"},
        {"lustre_path": "/lustreResc/lustre01", "irods_register_path": "/tempZone/lustre01"}
    ],
    "thread_affinity": "ignored"
}`

func TestLoadShard_JSON(t *testing.T) {
	p := filepath.Join(t.TempDir(), "lustre01-MDT0000.json")
	require.NoError(t, os.WriteFile(p, []byte(shardJSON), 0644))

	s, err := LoadShard(p)
	require.NoError(t, err)
	assert.Equal(t, "lustre01-MDT0000", s.MDTName)
	assert.Equal(t, UpdateDirect, s.IrodsAPIUpdateType)
	assert.Equal(t, zerolog.ErrorLevel, s.Level())
	assert.Equal(t, 500, s.MaximumRecordsToReceiveFromLustreChangelog)
	require.Len(t, s.RegisterMap, 3)
	assert.Equal(t, RegisterMapping{LustrePath: "/lustreResc/lustre01/a", IrodsPath: "/tempZone/a"}, s.RegisterMap[1])
	assert.Equal(t, "tcp://127.0.0.1:5556", s.ChangelogReaderBroadcastAddress)

	// Keys absent from the document get the same defaults as TOML
	assert.Equal(t, "sqlite3://catalog.db", s.CatalogDSN)
	assert.Equal(t, 3, s.MaximumRedeliveryAttempts)
	require.NoError(t, s.Validate())

	bad := filepath.Join(t.TempDir(), "bad.JSON")
	require.NoError(t, os.WriteFile(bad, []byte(`{"mdtname": 7}`), 0644))
	_, err = LoadShard(bad)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestShardKeys(t *testing.T) {
	keys := shardKeys()
	for _, k := range []string{"mdtname", "register_map", "catalog_dsn", "maximum_pending_records"} {
		assert.True(t, keys[k], k)
	}
	assert.False(t, keys["thread_affinity"])
}

func TestLoad_ProcessDocument(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mdt0.toml"), []byte(shardDoc), 0644))
	process := `
instance_id = 7
data_dir = "` + filepath.Join(dir, "data") + `"
shards = ["mdt0.toml"]

[logging]
format = "json"

[[shard]]
mdtname = "lustre01-MDT0001"
lustre_root_path = "/lustreResc/lustre01"
irods_resource_name = "lustreResc"

[[shard.register_map]]
lustre_path = "/lustreResc/lustre01/a"
irods_register_path = "/tempZone/a"
`
	configPath := filepath.Join(dir, "connector.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(process), 0644))

	Config = &Configuration{Logging: LoggingConfiguration{Format: "console"}}
	require.NoError(t, Load(configPath))

	require.Len(t, Config.Shard, 2)
	assert.Equal(t, "lustre01-MDT0001", Config.Shard[0].MDTName)
	assert.Equal(t, 5, Config.Shard[0].IrodsUpdaterThreadCount)
	assert.Equal(t, "lustre01-MDT0000", Config.Shard[1].MDTName)
	assert.Equal(t, uint64(7), Config.InstanceID)
	assert.DirExists(t, filepath.Join(dir, "data"))
	require.NoError(t, Validate())
}

func TestLoad_MissingFileWithoutShards(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{DataDir: t.TempDir()}
	err := Load(filepath.Join(t.TempDir(), "non-existent-file.toml"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestJournalPath(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{DataDir: "/var/lib/connector"}
	assert.Equal(t, "/var/lib/connector/journal/mdt0", JournalPath("mdt0"))
}
