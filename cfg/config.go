package cfg

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UpdateType selects how catalog updates are applied
type UpdateType string

const (
	UpdateDirect UpdateType = "direct" // Bulk SQL mutations against the catalog
	UpdatePolicy UpdateType = "policy" // One catalog policy hook invocation per record
)

// ConfigError marks a configuration problem. It is the only error class that
// prevents the connector from starting.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err belongs to the fatal configuration class.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func configErrorf(source, format string, args ...interface{}) error {
	return &ConfigError{Source: source, Err: fmt.Errorf(format, args...)}
}

// RegisterMapping maps a filesystem subtree onto a catalog collection subtree
type RegisterMapping struct {
	LustrePath string `toml:"lustre_path" json:"lustre_path"`
	IrodsPath  string `toml:"irods_register_path" json:"irods_register_path"`
}

// ShardConfiguration is the document for one monitored MDT
type ShardConfiguration struct {
	MDTName            string     `toml:"mdtname" json:"mdtname"`
	LustreRootPath     string     `toml:"lustre_root_path" json:"lustre_root_path"`
	IrodsResourceName  string     `toml:"irods_resource_name" json:"irods_resource_name"`
	IrodsAPIUpdateType UpdateType `toml:"irods_api_update_type" json:"irods_api_update_type"`
	LogLevel           string     `toml:"log_level" json:"log_level"`

	ChangelogPollIntervalSeconds          int `toml:"changelog_poll_interval_seconds" json:"changelog_poll_interval_seconds"`
	IrodsClientConnectFailureRetrySeconds int `toml:"irods_client_connect_failure_retry_seconds" json:"irods_client_connect_failure_retry_seconds"`

	IrodsClientBroadcastAddress     string `toml:"irods_client_broadcast_address" json:"irods_client_broadcast_address"`
	ChangelogReaderBroadcastAddress string `toml:"changelog_reader_broadcast_address" json:"changelog_reader_broadcast_address"`
	ChangelogReaderPushWorkAddress  string `toml:"changelog_reader_push_work_address" json:"changelog_reader_push_work_address"`
	ResultAccumulatorPushAddress    string `toml:"result_accumulator_push_address" json:"result_accumulator_push_address"`
	CompressBroadcast               bool   `toml:"compress_broadcast" json:"compress_broadcast"`

	IrodsUpdaterThreadCount                   int `toml:"irods_updater_thread_count" json:"irods_updater_thread_count"`
	MaximumRecordsPerUpdateToIrods            int `toml:"maximum_records_per_update_to_irods" json:"maximum_records_per_update_to_irods"`
	MaximumRecordsPerSQLCommand               int `toml:"maximum_records_per_sql_command" json:"maximum_records_per_sql_command"`
	MaximumRecordsToReceiveFromLustreChangelog int `toml:"maximum_records_to_receive_from_lustre_changelog" json:"maximum_records_to_receive_from_lustre_changelog"`
	MessageReceiveTimeoutMsec                 int `toml:"message_receive_timeout_msec" json:"message_receive_timeout_msec"`

	RegisterMap     []RegisterMapping `toml:"register_map" json:"register_map"`
	ExcludePatterns []string          `toml:"exclude_patterns" json:"exclude_patterns"`

	// Catalog access. catalog_dsn is sqlite3://, mysql:// or postgres://;
	// without policy_nats_url policy hooks run in-process.
	CatalogDSN    string `toml:"catalog_dsn" json:"catalog_dsn"`
	PolicyNATSURL string `toml:"policy_nats_url" json:"policy_nats_url"`
	PolicySubject string `toml:"policy_subject" json:"policy_subject"`

	// Changelog access
	ChangelogUser string `toml:"changelog_user" json:"changelog_user"`
	LfsCommand    string `toml:"lfs_command" json:"lfs_command"`

	MaximumRedeliveryAttempts int `toml:"maximum_redelivery_attempts" json:"maximum_redelivery_attempts"`
	MaximumCallRetries        int `toml:"maximum_call_retries" json:"maximum_call_retries"`
	BatchFlushIntervalMsec    int `toml:"batch_flush_interval_msec" json:"batch_flush_interval_msec"`
	MaximumPendingRecords     int `toml:"maximum_pending_records" json:"maximum_pending_records"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
	File    string `toml:"file"`
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration controls the HTTP admin surface
type AdminConfiguration struct {
	Address string `toml:"address"` // Empty disables the admin server
	Secret  string `toml:"secret"`  // Empty disables authentication
}

// Configuration is the process-level document
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	// Shard documents to load, relative paths resolve against the process document
	Shards []string `toml:"shards"`
	// Shard documents inlined in the process document
	Shard []ShardConfiguration `toml:"shard"`

	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// stringList collects repeated flag values
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "connector.toml", "Path to process configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory for cursor journals (overrides config)")
	LogFileFlag    = flag.String("log-file", "", "Write logs to this file instead of stderr")
	ShardFlags     stringList
)

func init() {
	flag.Var(&ShardFlags, "shard", "Path to a shard configuration document (repeatable)")
}

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./connector-data",

	Admin: AdminConfiguration{
		Address: "",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads the process document, every shard document it references and
// the shard documents given on the command line.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return &ConfigError{Source: configPath, Err: fmt.Errorf("failed to decode config: %w", err)}
			}
		} else if len(ShardFlags) == 0 {
			return configErrorf(configPath, "config file not found and no -shard given")
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	baseDir := filepath.Dir(configPath)
	shardPaths := make([]string, 0, len(Config.Shards)+len(ShardFlags))
	for _, p := range Config.Shards {
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		shardPaths = append(shardPaths, p)
	}
	shardPaths = append(shardPaths, ShardFlags...)

	for i := range Config.Shard {
		Config.Shard[i].ApplyDefaults()
	}
	for _, p := range shardPaths {
		shard, err := LoadShard(p)
		if err != nil {
			return err
		}
		Config.Shard = append(Config.Shard, *shard)
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *LogFileFlag != "" {
		Config.Logging.File = *LogFileFlag
	}

	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// LoadShard decodes one shard document and fills in defaults. Documents
// named *.json are JSON with the same keys, anything else is TOML.
func LoadShard(shardPath string) (*ShardConfiguration, error) {
	shard := &ShardConfiguration{}
	if strings.EqualFold(filepath.Ext(shardPath), ".json") {
		if err := decodeJSONShard(shardPath, shard); err != nil {
			return nil, &ConfigError{Source: shardPath, Err: fmt.Errorf("failed to decode shard config: %w", err)}
		}
	} else {
		md, err := toml.DecodeFile(shardPath, shard)
		if err != nil {
			return nil, &ConfigError{Source: shardPath, Err: fmt.Errorf("failed to decode shard config: %w", err)}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			log.Warn().Str("path", shardPath).Interface("keys", undecoded).Msg("Ignoring unknown shard configuration keys")
		}
	}
	shard.ApplyDefaults()
	log.Info().Str("path", shardPath).Str("mdt", shard.MDTName).Msg("Loaded shard configuration")
	return shard, nil
}

func decodeJSONShard(shardPath string, shard *ShardConfiguration) error {
	data, err := os.ReadFile(shardPath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, shard); err != nil {
		return err
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	known := shardKeys()
	var unknown []string
	for k := range keys {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		log.Warn().Str("path", shardPath).Strs("keys", unknown).Msg("Ignoring unknown shard configuration keys")
	}
	return nil
}

// shardKeys returns the top-level keys of a shard document
func shardKeys() map[string]bool {
	t := reflect.TypeOf(ShardConfiguration{})
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ","); name != "" {
			keys[name] = true
		}
	}
	return keys
}

// ApplyDefaults fills every optional key that was left unset.
func (s *ShardConfiguration) ApplyDefaults() {
	if s.IrodsAPIUpdateType == "" {
		s.IrodsAPIUpdateType = UpdateDirect
	}
	if s.LogLevel == "" {
		s.LogLevel = "LOG_INFO"
	}
	if s.ChangelogPollIntervalSeconds == 0 {
		s.ChangelogPollIntervalSeconds = 1
	}
	if s.IrodsClientConnectFailureRetrySeconds == 0 {
		s.IrodsClientConnectFailureRetrySeconds = 30
	}
	if s.IrodsUpdaterThreadCount == 0 {
		s.IrodsUpdaterThreadCount = 5
	}
	if s.MaximumRecordsPerUpdateToIrods == 0 {
		s.MaximumRecordsPerUpdateToIrods = 200
	}
	if s.MaximumRecordsPerSQLCommand == 0 {
		s.MaximumRecordsPerSQLCommand = 1
	}
	if s.MaximumRecordsToReceiveFromLustreChangelog == 0 {
		s.MaximumRecordsToReceiveFromLustreChangelog = 500
	}
	if s.MessageReceiveTimeoutMsec == 0 {
		s.MessageReceiveTimeoutMsec = 2000
	}
	if s.ChangelogReaderPushWorkAddress == "" && s.MDTName != "" {
		s.ChangelogReaderPushWorkAddress = "inproc://" + s.MDTName + "/changelog-push"
	}
	if s.ResultAccumulatorPushAddress == "" && s.MDTName != "" {
		s.ResultAccumulatorPushAddress = "inproc://" + s.MDTName + "/accumulator-push"
	}
	if s.CatalogDSN == "" {
		s.CatalogDSN = "sqlite3://catalog.db"
	}
	if s.PolicySubject == "" {
		s.PolicySubject = "irods.lustre.policy"
	}
	if s.ChangelogUser == "" {
		s.ChangelogUser = "cl1"
	}
	if s.LfsCommand == "" {
		s.LfsCommand = "lfs"
	}
	if s.MaximumRedeliveryAttempts == 0 {
		s.MaximumRedeliveryAttempts = 3
	}
	if s.MaximumCallRetries == 0 {
		s.MaximumCallRetries = 3
	}
	if s.BatchFlushIntervalMsec == 0 {
		s.BatchFlushIntervalMsec = 200
	}
	if s.MaximumPendingRecords == 0 {
		s.MaximumPendingRecords = 4 * s.MaximumRecordsPerUpdateToIrods * s.IrodsUpdaterThreadCount
	}
}

// Validate checks one shard document.
func (s *ShardConfiguration) Validate() error {
	src := s.MDTName
	if s.MDTName == "" {
		return configErrorf("", "mdtname is required")
	}
	if s.LustreRootPath == "" {
		return configErrorf(src, "lustre_root_path is required")
	}
	if !path.IsAbs(s.LustreRootPath) {
		return configErrorf(src, "lustre_root_path must be absolute: %q", s.LustreRootPath)
	}
	if s.IrodsResourceName == "" {
		return configErrorf(src, "irods_resource_name is required")
	}
	if s.IrodsAPIUpdateType != UpdateDirect && s.IrodsAPIUpdateType != UpdatePolicy {
		return configErrorf(src, "invalid irods_api_update_type: %q", s.IrodsAPIUpdateType)
	}
	if _, ok := logLevels[s.LogLevel]; !ok {
		return configErrorf(src, "invalid log_level: %q", s.LogLevel)
	}

	positive := map[string]int{
		"changelog_poll_interval_seconds":                  s.ChangelogPollIntervalSeconds,
		"irods_client_connect_failure_retry_seconds":       s.IrodsClientConnectFailureRetrySeconds,
		"irods_updater_thread_count":                       s.IrodsUpdaterThreadCount,
		"maximum_records_per_update_to_irods":              s.MaximumRecordsPerUpdateToIrods,
		"maximum_records_per_sql_command":                  s.MaximumRecordsPerSQLCommand,
		"maximum_records_to_receive_from_lustre_changelog": s.MaximumRecordsToReceiveFromLustreChangelog,
		"message_receive_timeout_msec":                     s.MessageReceiveTimeoutMsec,
		"maximum_redelivery_attempts":                      s.MaximumRedeliveryAttempts,
		"maximum_call_retries":                             s.MaximumCallRetries,
		"batch_flush_interval_msec":                        s.BatchFlushIntervalMsec,
		"maximum_pending_records":                          s.MaximumPendingRecords,
	}
	for key, v := range positive {
		if v < 1 {
			return configErrorf(src, "%s must be >= 1, got %d", key, v)
		}
	}

	if len(s.RegisterMap) == 0 {
		return configErrorf(src, "register_map must contain at least one mapping")
	}
	seen := make(map[string]bool, len(s.RegisterMap))
	for i, m := range s.RegisterMap {
		if !path.IsAbs(m.LustrePath) || !path.IsAbs(m.IrodsPath) {
			return configErrorf(src, "register_map[%d]: paths must be absolute (%q -> %q)", i, m.LustrePath, m.IrodsPath)
		}
		if path.Clean(m.LustrePath) != m.LustrePath || path.Clean(m.IrodsPath) != m.IrodsPath {
			return configErrorf(src, "register_map[%d]: paths must be clean (%q -> %q)", i, m.LustrePath, m.IrodsPath)
		}
		if seen[m.LustrePath] {
			return configErrorf(src, "register_map[%d]: duplicate lustre_path %q", i, m.LustrePath)
		}
		seen[m.LustrePath] = true
	}

	if !strings.Contains(s.CatalogDSN, "://") {
		return configErrorf(src, "catalog_dsn must carry a scheme: %q", s.CatalogDSN)
	}
	return nil
}

// Addresses returns the socket addresses the shard binds, keyed by option name.
func (s *ShardConfiguration) Addresses() map[string]string {
	out := make(map[string]string, 4)
	for k, v := range map[string]string{
		"irods_client_broadcast_address":     s.IrodsClientBroadcastAddress,
		"changelog_reader_broadcast_address": s.ChangelogReaderBroadcastAddress,
		"changelog_reader_push_work_address": s.ChangelogReaderPushWorkAddress,
		"result_accumulator_push_address":    s.ResultAccumulatorPushAddress,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

var logLevels = map[string]zerolog.Level{
	"LOG_DBG":   zerolog.DebugLevel,
	"LOG_INFO":  zerolog.InfoLevel,
	"LOG_WARN":  zerolog.WarnLevel,
	"LOG_ERR":   zerolog.ErrorLevel,
	"LOG_FATAL": zerolog.FatalLevel,
}

// Level maps log_level onto a zerolog level.
func (s *ShardConfiguration) Level() zerolog.Level {
	if lvl, ok := logLevels[s.LogLevel]; ok {
		return lvl
	}
	return zerolog.InfoLevel
}

// generateInstanceID creates a unique instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("lustre-irods-connector")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks the process configuration and every shard in it
func Validate() error {
	if len(Config.Shard) == 0 {
		return configErrorf("", "no shards configured")
	}
	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return configErrorf("", "invalid logging format: %q", Config.Logging.Format)
	}

	mdts := make(map[string]bool, len(Config.Shard))
	addrs := make(map[string]string)
	for i := range Config.Shard {
		shard := &Config.Shard[i]
		if err := shard.Validate(); err != nil {
			return err
		}
		if mdts[shard.MDTName] {
			return configErrorf(shard.MDTName, "duplicate mdtname")
		}
		mdts[shard.MDTName] = true

		for key, addr := range shard.Addresses() {
			owner := shard.MDTName + "." + key
			if prev, ok := addrs[addr]; ok {
				return configErrorf(shard.MDTName, "address %q used by both %s and %s", addr, prev, owner)
			}
			addrs[addr] = owner
		}
	}
	return nil
}

// JournalPath returns the cursor journal directory for a shard
func JournalPath(mdt string) string {
	return path.Join(Config.DataDir, "journal", mdt)
}
