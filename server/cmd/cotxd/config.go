// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/server/backoff"
	"github.com/cotxd/cotxd/server/coord"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "cotxd.conf"
	defaultLogFilename    = "cotxd.log"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultMaxLogZips     = 16
	defaultPGHost         = "127.0.0.1:5432"
	defaultPGUser         = "cotxd"
	defaultPGDBName       = "cotxd"
	defaultChain          = "btc"
	defaultExplorerURL    = "http://127.0.0.1:3232"

	defaultLockTimeout     = 5 * time.Second
	defaultFeeRefresh      = time.Minute
	defaultRejectThreshold = 3
)

var defaultAppDataDir = btcutil.AppDataDir("cotxd", false)

type procOpts struct {
	HTTPProfile bool
	CPUProfile  string
}

// cotxConf is the data required to set up the coordinator.
type cotxConf struct {
	Coord   *coord.Config
	Network string
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	Testnet bool `long:"testnet" description:"Use the test network (default mainnet)"`
	Regtest bool `long:"regtest" description:"Use the regression test network (default mainnet)"`

	Chain       string `long:"chain" description:"The chain served by this deployment (e.g. btc, eth)."`
	ExplorerURL string `long:"explorer" description:"Base URL of the chain-data service."`

	RedisURL     string        `long:"redisurl" description:"Redis URL for the distributed wallet locker. Empty uses an in-process locker."`
	LockTimeout  time.Duration `long:"locktimeout" description:"How long to wait for a contended wallet lock before giving up."`
	LockTTL      time.Duration `long:"lockttl" description:"Wallet lock lease duration."`
	FeeRefresh   time.Duration `long:"feerefresh" description:"Fee table refresh interval. 0 disables background refresh."`
	DeleteGrace  time.Duration `long:"deletegrace" description:"How long a pending proposal must be inactive before a non-creator may delete it."`
	RejectThresh int           `long:"rejectthresh" description:"Consecutive rejections that put a copayer in creation cooldown."`

	HTTPProfile bool   `long:"httpprof" short:"p" description:"Start HTTP profiler."`
	CPUProfile  string `long:"cpuprofile" description:"File for CPU profiling."`

	PGDBName     string `long:"pgdbname" description:"PostgreSQL DB name."`
	PGUser       string `long:"pguser" description:"PostgreSQL DB user."`
	PGPass       string `long:"pgpass" description:"PostgreSQL DB password."`
	PGHost       string `long:"pghost" description:"PostgreSQL server host:port or UNIX socket (e.g. /run/postgresql)."`
	HidePGConfig bool   `long:"hidepgconfig" description:"Blocks logging of the PostgreSQL db configuration on system start up."`
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not try to clean the empty string
	if path == "" {
		return ""
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*cotx.LoggerMaker, error) {
	lm, err := cotx.NewLoggerMaker(logWriter{}, debugLevel, false)
	if err != nil {
		return nil, err
	}
	setLogLevels(lm.DefaultLevel)
	for subsysID, lvl := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return nil, fmt.Errorf(str, subsysID, supportedSubsystems())
		}
		setLogLevel(subsysID, lvl)
	}
	return lm, nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig() (*cotxConf, *procOpts, error) {
	loadConfigError := func(err error) (*cotxConf, *procOpts, error) {
		return nil, nil, err
	}

	// Default config
	cfg := flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile and LogDir are set relative to AppDataDir.
		// They are not to be set here.
		MaxLogZips:   defaultMaxLogZips,
		DebugLevel:   defaultLogLevel,
		PGDBName:     defaultPGDBName,
		PGUser:       defaultPGUser,
		PGHost:       defaultPGHost,
		Chain:        defaultChain,
		ExplorerURL:  defaultExplorerURL,
		LockTimeout:  defaultLockTimeout,
		FeeRefresh:   defaultFeeRefresh,
		RejectThresh: defaultRejectThreshold,
	}

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final parse
	// below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		} else if ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// If a non-default appdata folder is specified on the command line, it may
	// be necessary adjust the config file location. If the config file location
	// was not specified on the command line, the default location should be
	// under the non-default appdata directory. However, if the config file was
	// specified on the command line, it should be used regardless of the
	// appdata directory.
	if preCfg.AppDataDir != "" {
		// appdata was set on the command line. If it is not absolute, make it
		// relative to cwd.
		cfg.AppDataDir, err = filepath.Abs(preCfg.AppDataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to determine working directory: %v", err)
			os.Exit(1)
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Config file name for logging.
	configFile := "NONE (defaults)"

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	// Do not error default config file is missing.
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			fmt.Fprintln(os.Stderr, err)
			return loadConfigError(err)
		}
		// Warn about missing default config file, but continue.
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n",
			preCfg.ConfigFile)
	} else {
		// The config file exists, so attempt to parse it.
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			if _, ok := err.(*os.PathError); !ok {
				fmt.Fprintln(os.Stderr, err)
				parser.WriteHelp(os.Stderr)
				return loadConfigError(err)
			}
			configFileError = err
		}
		configFile = preCfg.ConfigFile
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return loadConfigError(err)
	}

	// Warn about missing config file after the final command line parse
	// succeeds. This prevents the warning on help messages and invalid options.
	if configFileError != nil {
		fmt.Printf("%v\n", configFileError)
		return loadConfigError(configFileError)
	}

	// Select the network.
	var numNets int
	network := "mainnet"
	if cfg.Testnet {
		numNets++
		network = "testnet"
	}
	if cfg.Regtest {
		numNets++
		network = "regtest"
	}
	if numNets > 1 {
		err := fmt.Errorf("both testnet and regtest flags specified")
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}

	// Create the app data directory if it doesn't already exist.
	err = os.MkdirAll(cfg.AppDataDir, 0700)
	if err != nil {
		err := fmt.Errorf("failed to create home directory: %v", err)
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}

	// If logdir is a default or non-default relative path, prepend the
	// appdata directory.
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}

	// Append the network type to the log directory so it is "namespaced" per
	// network.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, network)

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	// Parse, validate, and set debug log level(s).
	logMaker, err := parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	var dbPort uint16
	dbHost := cfg.PGHost
	// For UNIX sockets, do not attempt to parse out a port.
	if !strings.HasPrefix(dbHost, "/") {
		var dbPortStr string
		dbHost, dbPortStr, err = net.SplitHostPort(cfg.PGHost)
		if err != nil {
			return loadConfigError(fmt.Errorf("invalid DB host %q: %v", cfg.PGHost, err))
		}
		port, err := strconv.ParseUint(dbPortStr, 10, 16)
		if err != nil {
			return loadConfigError(fmt.Errorf("invalid DB port %q: %v", dbPortStr, err))
		}
		dbPort = uint16(port)
	}

	coordCfg := &coord.Config{
		Chain:       strings.ToLower(cfg.Chain),
		Network:     network,
		ExplorerURL: cfg.ExplorerURL,
		DBConf: &coord.DBConf{
			DBName:       cfg.PGDBName,
			Host:         dbHost,
			Port:         dbPort,
			User:         cfg.PGUser,
			Pass:         cfg.PGPass,
			HidePGConfig: cfg.HidePGConfig,
		},
		RedisURL:           cfg.RedisURL,
		LockAcquireTimeout: cfg.LockTimeout,
		LockTTL:            cfg.LockTTL,
		FeeRefreshInterval: cfg.FeeRefresh,
		DeleteGracePeriod:  cfg.DeleteGrace,
		Backoff: backoff.Config{
			Threshold: cfg.RejectThresh,
		},
		LogBackend: logMaker,
	}

	opts := &procOpts{
		CPUProfile:  cfg.CPUProfile,
		HTTPProfile: cfg.HTTPProfile,
	}

	return &cotxConf{Coord: coordCfg, Network: network}, opts, nil
}
