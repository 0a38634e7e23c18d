// Package backup writes point-in-time copies of the memory snapshot with
// tiered retention, and restores them into any storage backend.
package backup

import (
	"time"
)

// Config holds backup settings.
type Config struct {
	// Dir is where backup files are written.
	Dir string

	// Retention bounds how many backups are kept per age tier.
	Retention RetentionPolicy

	// Verify re-reads every backup after writing it (default: true via
	// DefaultConfig).
	Verify bool
}

// DefaultConfig returns the default retention with verification on.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, Retention: DefaultRetention(), Verify: true}
}

// RetentionPolicy defines how many backups to keep at each tier.
// Backups are categorized by age:
//   - Hourly: less than 24 hours old
//   - Daily: 1 to 7 days old
//   - Weekly: 7 to 30 days old
//   - Monthly: 30 to 365 days old
//
// Older backups are always removed.
type RetentionPolicy struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps 24 hourly, 7 daily, 4 weekly and 12 monthly backups.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Info describes one backup file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Result reports one completed backup.
type Result struct {
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
	Size     int64         `json:"size"`
	Records  int           `json:"records"`
	Verified bool          `json:"verified"`
}
