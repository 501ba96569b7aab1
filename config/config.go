package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/imap-archive/credential"
	"github.com/dhcgn/imap-archive/retry"
)

const (
	EnvPrefix    = "IMAP_ARCHIVE"
	PasswordEnv  = "IMAP_PASS"
	dateLayout   = "2006-01-02"
	indexFile    = "index.db"
	statusFile   = "status.json"
	defaultDir   = ".imap-archive"
	defaultFlush = 30 * time.Second
)

// Config captures all options of a run, merged from flags, environment
// variables and an optional YAML file.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	UseKeyring         bool
	DialTimeout        time.Duration

	MboxPath      string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string

	ArchiveRoot    string
	StateDir       string
	Hostname       string
	IncludeFolders []string
	ExcludeFolders []string
	BatchSize      int
	Workers        int
	Since          time.Time
	Before         time.Time
	DryRun         bool
	FlushInterval  time.Duration
	Retry          retry.Options

	LogLevel string
	LogDir   string
}

// IndexPath is the location of the dedup index database.
func (c Config) IndexPath() string {
	return filepath.Join(c.StateDir, indexFile)
}

// StatusPath is where run statistics are flushed.
func (c Config) StatusPath() string {
	return filepath.Join(c.StateDir, statusFile)
}

// UsesMbox reports whether the run reads from local mbox files.
func (c Config) UsesMbox() bool {
	return c.MboxPath != ""
}

// RegisterFlags attaches the options shared by all commands as persistent
// flags and the sync options as local flags of the root command.
func RegisterFlags(cmd *cobra.Command) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	base := filepath.Join(home, defaultDir)

	persistent := cmd.PersistentFlags()
	persistent.String("config", "", "Path to a YAML config file")
	persistent.String("archive-root", filepath.Join(base, "archive"), "Root directory of the Maildir archive")
	persistent.String("state-dir", filepath.Join(base, "state"), "Directory for the dedup index and status file")
	persistent.String("log-level", "info", "Logging level: debug, info, warn, error")
	persistent.String("log-dir", "", "Also write logs to a timestamped file in this directory")

	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.Bool("keyring", false, "Read the IMAP password from the system keyring")
	flags.Duration("dial-timeout", 30*time.Second, "Timeout for establishing the IMAP connection")

	flags.String("mbox-dir", "", "Archive a directory of .mbox files (or one file) instead of an IMAP account")
	flags.StringArray("include-header", nil, "Regex allow-list applied to mbox message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to mbox message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to mbox message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to mbox message bodies (mutually exclusive with include flags)")

	flags.StringArray("include-folder", nil, "Regex allow-list of folders to archive")
	flags.StringArray("exclude-folder", nil, "Regex block-list of folders to skip")
	flags.String("hostname", "", "Host part of archived file names (default: this machine's hostname)")
	flags.Int("batch-size", 50, "Messages per batch; the checkpoint is saved after every batch")
	flags.Int("workers", 1, "Folders synced in parallel, each over its own connection")
	flags.String("since", "", "Only archive messages on or after this date (YYYY-MM-DD)")
	flags.String("before", "", "Only archive messages before this date (YYYY-MM-DD)")
	flags.Bool("dry-run", false, "List and count new messages without writing anything")
	flags.Duration("flush-interval", defaultFlush, "How often run statistics are written to the state dir")

	flags.Duration("retry-initial", retry.DefaultInitialBackoff, "First retry delay")
	flags.Duration("retry-max", retry.DefaultMaxBackoff, "Maximum retry delay")
	flags.Uint32("breaker-threshold", retry.DefaultBreakerThreshold, "Consecutive failures that open a folder's circuit breaker")
	flags.Duration("breaker-cooldown", retry.DefaultBreakerCooldown, "How long an open circuit breaker rejects calls")
	flags.Duration("op-timeout", retry.DefaultOpTimeout, "Deadline of a single remote operation")

	return nil
}

// newViper merges flags, IMAP_ARCHIVE_* environment variables and the
// optional config file. Flags set on the command line win.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if flags.Lookup("imap-pass") != nil {
		if err := v.BindEnv("imap-pass", EnvPrefix+"_IMAP_PASS", PasswordEnv); err != nil {
			return nil, fmt.Errorf("bind env: %w", err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return v, nil
}

// LoadConfig builds and validates the configuration of a sync run.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := load(cmd.Flags())
	if err != nil {
		return Config{}, err
	}
	if !cfg.UsesMbox() && cfg.IMAPPass == "" && cfg.UseKeyring && cfg.IMAPHost != "" && cfg.IMAPUser != "" {
		store, err := credential.Open()
		if err != nil {
			return Config{}, err
		}
		if cfg.IMAPPass, err = store.Get(credential.Key(cfg.IMAPUser, cfg.IMAPHost)); err != nil {
			return Config{}, err
		}
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadLocalConfig loads the options of commands that only touch the archive
// and the index.
func LoadLocalConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := load(cmd.Flags())
	if err != nil {
		return Config{}, err
	}
	if err := validateLocal(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func load(flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(flags)
	if err != nil {
		return Config{}, err
	}

	since, err := parseDate(v.GetString("since"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid --since: %w", err)
	}
	before, err := parseDate(v.GetString("before"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid --before: %w", err)
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	hostname := v.GetString("hostname")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	cfg := Config{
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		UseKeyring:         v.GetBool("keyring"),
		DialTimeout:        v.GetDuration("dial-timeout"),
		MboxPath:           strings.TrimSpace(v.GetString("mbox-dir")),
		IncludeHeader:      v.GetStringSlice("include-header"),
		IncludeBody:        v.GetStringSlice("include-body"),
		ExcludeHeader:      v.GetStringSlice("exclude-header"),
		ExcludeBody:        v.GetStringSlice("exclude-body"),
		ArchiveRoot:        cleanPath(v.GetString("archive-root")),
		StateDir:           cleanPath(v.GetString("state-dir")),
		Hostname:           hostname,
		IncludeFolders:     v.GetStringSlice("include-folder"),
		ExcludeFolders:     v.GetStringSlice("exclude-folder"),
		BatchSize:          v.GetInt("batch-size"),
		Workers:            v.GetInt("workers"),
		Since:              since,
		Before:             before,
		DryRun:             v.GetBool("dry-run"),
		FlushInterval:      v.GetDuration("flush-interval"),
		Retry: retry.Options{
			InitialBackoff:   v.GetDuration("retry-initial"),
			MaxBackoff:       v.GetDuration("retry-max"),
			BreakerThreshold: v.GetUint32("breaker-threshold"),
			BreakerCooldown:  v.GetDuration("breaker-cooldown"),
			OpTimeout:        v.GetDuration("op-timeout"),
		},
		LogLevel: logLevel,
		LogDir:   v.GetString("log-dir"),
	}
	return cfg, nil
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, value, time.UTC)
}

func cleanPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~"+string(filepath.Separator)) || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}

func validateLocal(cfg Config) error {
	if cfg.ArchiveRoot == "" {
		return fmt.Errorf("--archive-root is required")
	}
	if cfg.StateDir == "" {
		return fmt.Errorf("--state-dir is required")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	return nil
}

func validateConfig(cfg Config) error {
	if err := validateLocal(cfg); err != nil {
		return err
	}

	if cfg.UsesMbox() {
		includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
		excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
		if includeActive && excludeActive {
			return fmt.Errorf("include and exclude flags are mutually exclusive")
		}
	} else {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required (or --mbox-dir)")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or --keyring")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	if cfg.BatchSize < 1 {
		return fmt.Errorf("--batch-size must be at least 1")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	if !cfg.Since.IsZero() && !cfg.Before.IsZero() && !cfg.Since.Before(cfg.Before) {
		return errors.New("--since must be before --before")
	}
	if cfg.Hostname == "" {
		return fmt.Errorf("--hostname is required when the hostname cannot be determined")
	}
	return nil
}
