package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix = "invoicemem-"
	fileSuffix = ".json"
	timeLayout = "20060102-150405.000000"
)

// fileName returns the backup file name for t.
func fileName(t time.Time) string {
	return filePrefix + t.UTC().Format(timeLayout) + fileSuffix
}

// parseFileName extracts the backup time from name.
func parseFileName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.ParseInLocation(timeLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// listBackups returns the backups in dir, newest first. Files that do not
// follow the backup naming scheme are ignored.
func listBackups(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: ts,
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// expired returns the backups that policy no longer keeps at now.
func expired(backups []Info, policy RetentionPolicy, now time.Time) []string {
	var hourly, daily, weekly, monthly []Info
	var drop []string

	for _, b := range backups {
		age := now.Sub(b.Timestamp)
		switch {
		case age < 24*time.Hour:
			hourly = append(hourly, b)
		case age < 7*24*time.Hour:
			daily = append(daily, b)
		case age < 30*24*time.Hour:
			weekly = append(weekly, b)
		case age < 365*24*time.Hour:
			monthly = append(monthly, b)
		default:
			drop = append(drop, b.Path)
		}
	}

	trim := func(tier []Info, keep int) {
		if keep < 0 {
			keep = 0
		}
		if len(tier) > keep {
			for _, b := range tier[keep:] {
				drop = append(drop, b.Path)
			}
		}
	}
	trim(hourly, policy.Hourly)
	trim(daily, policy.Daily)
	trim(weekly, policy.Weekly)
	trim(monthly, policy.Monthly)
	return drop
}

// applyRetention removes the backups in dir that policy no longer keeps.
// It keeps deleting after a failure and reports the last error.
func applyRetention(dir string, policy RetentionPolicy, now time.Time) (int, error) {
	backups, err := listBackups(dir)
	if err != nil {
		return 0, err
	}

	var removed int
	var lastErr error
	for _, path := range expired(backups, policy, now) {
		if err := os.Remove(path); err != nil {
			lastErr = err
			continue
		}
		removed++
	}
	if lastErr != nil {
		return removed, fmt.Errorf("backup: failed to delete some backups: %w", lastErr)
	}
	return removed, nil
}
