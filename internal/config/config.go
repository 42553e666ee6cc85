package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes a single ICS subscription source.
type SourceConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`

	// Enabled toggles the source without removing it from the config.
	// Occurrences from a disabled source never create documents.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Folder is the vault-relative directory new documents are created in.
	Folder string `yaml:"folder" json:"folder"`
	// Tag is written into new documents' metadata when set.
	Tag string `yaml:"tag,omitempty" json:"tag,omitempty"`
	// Template is the body used for new documents (may be empty).
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
	// AutoCreate controls whether unmatched occurrences from this source
	// create new documents. Matching and updating are unaffected.
	AutoCreate *bool `yaml:"auto_create,omitempty" json:"auto_create,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (s *SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// IsAutoCreate treats an absent flag as enabled.
func (s *SourceConfig) IsAutoCreate() bool {
	return s.AutoCreate == nil || *s.AutoCreate
}

// FieldKeys names the frontmatter keys the engine reads and writes.
// Lookups against document metadata are case-insensitive; these values
// control the casing used when a key is first written.
type FieldKeys struct {
	EventID         string `yaml:"event_id" json:"event_id"`
	SeriesUID       string `yaml:"series_uid" json:"series_uid"`
	SourceURL       string `yaml:"source_url" json:"source_url"`
	Title           string `yaml:"title" json:"title"`
	Start           string `yaml:"start" json:"start"`
	End             string `yaml:"end" json:"end"`
	Location        string `yaml:"location" json:"location"`
	Status          string `yaml:"status" json:"status"`
	PreviousStatus  string `yaml:"previous_status" json:"previous_status"`
	CancelledAt     string `yaml:"cancelled_at" json:"cancelled_at"`
	OrphanCandidate string `yaml:"orphan_candidate" json:"orphan_candidate"`
	OrphanMissCount string `yaml:"orphan_miss_count" json:"orphan_miss_count"`
	OrphanReason    string `yaml:"orphan_reason" json:"orphan_reason"`
	Archived        string `yaml:"archived" json:"archived"`
}

// DeletePolicy controls what permissive mode does to orphaned or cancelled
// documents.
type DeletePolicy string

const (
	DeletePolicyDelete  DeletePolicy = "delete"
	DeletePolicyArchive DeletePolicy = "archive"
	DeletePolicyNoop    DeletePolicy = "no-op"
)

// Config is the top-level application configuration.
type Config struct {
	// VaultPath is the root directory of the document vault.
	VaultPath string `yaml:"vault_path" json:"vault_path"`

	// Timezone is the IANA zone used when a feed supplies no usable zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for the periodic reconcile loop.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// WindowDaysBack / WindowDaysAhead bound the fetch window around now.
	WindowDaysBack  int `yaml:"window_days_back" json:"window_days_back"`
	WindowDaysAhead int `yaml:"window_days_ahead" json:"window_days_ahead"`

	// Sources is the list of subscribed ICS sources.
	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// FieldKeys configures the frontmatter key names.
	FieldKeys FieldKeys `yaml:"field_keys" json:"field_keys"`

	// LossPreventing replaces destructive deletes with reversible
	// quarantine/archival.
	LossPreventing *bool `yaml:"loss_preventing,omitempty" json:"loss_preventing,omitempty"`

	// DeletePolicy applies when LossPreventing is off: delete, archive, no-op.
	DeletePolicy DeletePolicy `yaml:"delete_policy" json:"delete_policy"`

	// ArchiveFolder is the vault-relative destination for archived documents.
	// Empty disables archival as a cancellation/orphan outcome.
	ArchiveFolder string `yaml:"archive_folder" json:"archive_folder"`

	// ExcludeGlobs are vault-relative path patterns never touched by the
	// engine.
	ExcludeGlobs []string `yaml:"exclude_globs" json:"exclude_globs"`

	// CancelledStatus is the status value written to a cancelled document
	// when it cannot be archived.
	CancelledStatus string `yaml:"cancelled_status" json:"cancelled_status"`

	// FilterTerms: occurrences whose title contains any of these terms are
	// never created.
	FilterTerms []string `yaml:"filter_terms" json:"filter_terms"`

	// GraceCycles is the number of consecutive missed cycles before an
	// unmatched document is quarantined or removed.
	GraceCycles int `yaml:"grace_cycles" json:"grace_cycles"`

	// TombstoneTTL bounds how long a deletion suppresses recreation.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl" json:"tombstone_ttl"`

	// FetchTTL is the feed cache lifetime.
	FetchTTL time.Duration `yaml:"fetch_ttl" json:"fetch_ttl"`

	// FetchTimeout bounds each source fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// IncludeCancelled controls whether cancelled occurrences are requested
	// from the normalizer (required for the cancellation state machine).
	IncludeCancelled *bool `yaml:"include_cancelled,omitempty" json:"include_cancelled,omitempty"`
}

// DefaultFieldKeys returns the frontmatter key names used unless overridden.
func DefaultFieldKeys() FieldKeys {
	return FieldKeys{
		EventID:         "event_id",
		SeriesUID:       "series_uid",
		SourceURL:       "source_url",
		Title:           "title",
		Start:           "start",
		End:             "end",
		Location:        "location",
		Status:          "status",
		PreviousStatus:  "previous_status",
		CancelledAt:     "cancelled_at",
		OrphanCandidate: "orphan_candidate",
		OrphanMissCount: "orphan_miss_count",
		OrphanReason:    "orphan_reason",
		Archived:        "archived",
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		VaultPath:       "./vault",
		Timezone:        "UTC",
		RefreshCron:     "*/15 * * * *",
		WindowDaysBack:  1,
		WindowDaysAhead: 30,
		Sources:         []SourceConfig{},
		FieldKeys:       DefaultFieldKeys(),
		DeletePolicy:    DeletePolicyArchive,
		ArchiveFolder:   "archive",
		ExcludeGlobs:    []string{},
		CancelledStatus: "cancelled",
		FilterTerms:     []string{},
		GraceCycles:     2,
		TombstoneTTL:    6 * time.Hour,
		FetchTTL:        90 * time.Second,
		FetchTimeout:    15 * time.Second,
	}
}

// IsLossPreventing treats an absent flag as on.
func (c *Config) IsLossPreventing() bool {
	return c.LossPreventing == nil || *c.LossPreventing
}

// IsIncludeCancelled treats an absent flag as on.
func (c *Config) IsIncludeCancelled() bool {
	return c.IncludeCancelled == nil || *c.IncludeCancelled
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.VaultPath == "" {
		c.VaultPath = "./vault"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.WindowDaysBack <= 0 {
		c.WindowDaysBack = 1
	}
	if c.WindowDaysAhead <= 0 {
		c.WindowDaysAhead = 30
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}

	def := DefaultFieldKeys()
	fillKey(&c.FieldKeys.EventID, def.EventID)
	fillKey(&c.FieldKeys.SeriesUID, def.SeriesUID)
	fillKey(&c.FieldKeys.SourceURL, def.SourceURL)
	fillKey(&c.FieldKeys.Title, def.Title)
	fillKey(&c.FieldKeys.Start, def.Start)
	fillKey(&c.FieldKeys.End, def.End)
	fillKey(&c.FieldKeys.Location, def.Location)
	fillKey(&c.FieldKeys.Status, def.Status)
	fillKey(&c.FieldKeys.PreviousStatus, def.PreviousStatus)
	fillKey(&c.FieldKeys.CancelledAt, def.CancelledAt)
	fillKey(&c.FieldKeys.OrphanCandidate, def.OrphanCandidate)
	fillKey(&c.FieldKeys.OrphanMissCount, def.OrphanMissCount)
	fillKey(&c.FieldKeys.OrphanReason, def.OrphanReason)
	fillKey(&c.FieldKeys.Archived, def.Archived)

	switch c.DeletePolicy {
	case DeletePolicyDelete, DeletePolicyArchive, DeletePolicyNoop:
		// ok
	default:
		// Unknown value; archive is the least destructive active policy.
		c.DeletePolicy = DeletePolicyArchive
	}

	if c.ExcludeGlobs == nil {
		c.ExcludeGlobs = []string{}
	}
	if c.CancelledStatus == "" {
		c.CancelledStatus = "cancelled"
	}
	if c.FilterTerms == nil {
		c.FilterTerms = []string{}
	}
	if c.GraceCycles <= 0 {
		c.GraceCycles = 2
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 6 * time.Hour
	}
	if c.FetchTTL <= 0 {
		c.FetchTTL = 90 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
}

func fillKey(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
