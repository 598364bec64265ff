package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/embernet/emberd/version"
)

const (
	defaultConfigFilename = "emberd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "emberd.log"
	defaultErrLogFilename = "emberd_err.log"

	defaultMaxOutboundFullRelay  = 8
	defaultMaxOutboundBlockRelay = 2
	defaultMaxOutboundFeelers    = 1
	defaultProtectedOutbound     = 4
	defaultMinimumConnectTime    = 30 * time.Second
	defaultChainSyncTimeout      = 20 * time.Minute
	defaultTargetBlockInterval   = 10 * time.Minute
	defaultStaleTipFactor        = 3

	defaultDiscouragementThreshold = 100
	defaultDiscouragementDuration  = 24 * time.Hour

	defaultMaxOrphanTransactions = 100
	defaultMaxOrphanTxInputs     = 100

	defaultDBCacheSizeMiB = 16
)

var (
	// DefaultHomeDir is the default home directory for emberd.
	DefaultHomeDir = appDataDir("emberd")

	defaultConfigFile = filepath.Join(DefaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(DefaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(DefaultHomeDir, defaultLogDirname)
)

// Flags defines the configuration options for emberd.
//
// See LoadConfig for details on the configuration load process.
type Flags struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	LogLevel    string `short:"d" long:"loglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical}"`

	MaxOutboundFullRelay   int           `long:"outpeers" description:"Target number of outbound full-relay peers"`
	MaxOutboundBlockRelay  int           `long:"blockrelaypeers" description:"Target number of outbound block-relay-only peers"`
	MaxOutboundFeelers     int           `long:"maxfeelers" description:"Maximum number of concurrent outbound feeler connections"`
	ProtectedOutboundPeers int           `long:"protectedoutbound" description:"Number of highest-work outbound peers protected from eviction"`
	MinimumConnectTime     time.Duration `long:"minconnecttime" description:"Grace period before an outbound peer becomes eligible for eviction. Valid time units are {s, m, h}"`
	ChainSyncTimeout       time.Duration `long:"chainsynctimeout" description:"How long an outbound peer may lag behind our tip work before it is disconnected"`
	TargetBlockInterval    time.Duration `long:"targetblockinterval" description:"Expected interval between blocks, used to detect a stale tip"`
	StaleTipFactor         int           `long:"staletipfactor" description:"Multiple of the target block interval after which the tip is considered stale"`

	DisableDiscouragement   bool          `long:"nodiscourage" description:"Disable discouragement of misbehaving peer addresses"`
	DiscouragementThreshold uint32        `long:"discouragethreshold" description:"Misbehavior score at which a peer is disconnected and its address discouraged"`
	DiscouragementDuration  time.Duration `long:"discourageduration" description:"How long to discourage misbehaving addresses. Valid time units are {s, m, h}. Minimum 1 second"`

	MaxOrphanTxs      int `long:"maxorphantx" description:"Max number of orphan transactions to keep in memory"`
	MaxOrphanTxInputs int `long:"maxorphantxinputs" description:"Max number of inputs an orphan transaction may have before it is rejected outright"`

	DBCacheSizeMiB int `long:"dbcachesize" description:"Size of the database cache in MiB"`
}

// Config defines the configuration options for emberd.
//
// See LoadConfig for details on the configuration load process.
type Config struct {
	*Flags
}

// DefaultFlags returns a Flags with every option at its default value.
func DefaultFlags() *Flags {
	return &Flags{
		ConfigFile:              defaultConfigFile,
		DataDir:                 defaultDataDir,
		LogDir:                  defaultLogDir,
		LogLevel:                defaultLogLevel,
		MaxOutboundFullRelay:    defaultMaxOutboundFullRelay,
		MaxOutboundBlockRelay:   defaultMaxOutboundBlockRelay,
		MaxOutboundFeelers:      defaultMaxOutboundFeelers,
		ProtectedOutboundPeers:  defaultProtectedOutbound,
		MinimumConnectTime:      defaultMinimumConnectTime,
		ChainSyncTimeout:        defaultChainSyncTimeout,
		TargetBlockInterval:     defaultTargetBlockInterval,
		StaleTipFactor:          defaultStaleTipFactor,
		DiscouragementThreshold: defaultDiscouragementThreshold,
		DiscouragementDuration:  defaultDiscouragementDuration,
		MaxOrphanTxs:            defaultMaxOrphanTransactions,
		MaxOrphanTxInputs:       defaultMaxOrphanTxInputs,
		DBCacheSizeMiB:          defaultDBCacheSizeMiB,
	}
}

// DefaultConfig returns a Config with every option at its default value.
// It is meant for tests; LoadConfig is the production entry point.
func DefaultConfig() *Config {
	return &Config{Flags: DefaultFlags()}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(DefaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// appDataDir returns an OS-appropriate data directory for the application.
func appDataDir(appName string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, "."+appName)
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
// 	1) Start with a default config with sane settings
// 	2) Pre-parse the command line to check for an alternative config file
// 	3) Load configuration file overwriting defaults with any specified options
// 	4) Parse CLI options and overwrite/add any specified options
//
// Command line options always take precedence.
func LoadConfig() (*Config, error) {
	cfgFlags := DefaultFlags()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified. Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := *cfgFlags
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if ok := errors.As(err, &flagsErr); ok && flagsErr.Type == flags.ErrHelp {
			return nil, err
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version.Version())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(cfgFlags, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, errors.Wrapf(err, "error parsing config file %s", configFilePath)
		}
		// A missing config file is only an error when one was given
		// explicitly.
		if preCfg.ConfigFile != defaultConfigFile {
			return nil, errors.Wrapf(err, "config file %s does not exist", configFilePath)
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		return nil, err
	}

	cfg := &Config{Flags: cfgFlags}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.MaxOutboundFullRelay < 1 {
		return errors.Errorf("outpeers must be at least 1, got %d", cfg.MaxOutboundFullRelay)
	}
	if cfg.MaxOutboundBlockRelay < 0 {
		return errors.Errorf("blockrelaypeers may not be negative, got %d", cfg.MaxOutboundBlockRelay)
	}
	if cfg.MaxOutboundFeelers < 0 {
		return errors.Errorf("maxfeelers may not be negative, got %d", cfg.MaxOutboundFeelers)
	}
	if cfg.ProtectedOutboundPeers < 0 {
		return errors.Errorf("protectedoutbound may not be negative, got %d", cfg.ProtectedOutboundPeers)
	}
	if cfg.StaleTipFactor < 1 {
		return errors.Errorf("staletipfactor must be at least 1, got %d", cfg.StaleTipFactor)
	}
	if cfg.DiscouragementDuration < time.Second {
		return errors.Errorf("discourageduration must be at least 1 second, got %s", cfg.DiscouragementDuration)
	}
	if cfg.MaxOrphanTxs < 0 {
		return errors.Errorf("maxorphantx may not be negative, got %d", cfg.MaxOrphanTxs)
	}
	if cfg.MaxOrphanTxInputs < 1 {
		return errors.Errorf("maxorphantxinputs must be at least 1, got %d", cfg.MaxOrphanTxInputs)
	}
	return nil
}

// LogFile returns the path of the main log file under the configured log
// directory.
func (cfg *Config) LogFile() string {
	return filepath.Join(cfg.LogDir, defaultLogFilename)
}

// ErrLogFile returns the path of the error log file under the configured log
// directory.
func (cfg *Config) ErrLogFile() string {
	return filepath.Join(cfg.LogDir, defaultErrLogFilename)
}
