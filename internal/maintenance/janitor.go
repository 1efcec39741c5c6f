// Package maintenance runs scheduled background cleanup for switchboard.
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Janitor prunes old log files on a cron schedule: files older than the
// retention window are deleted, and when the directory still exceeds the
// total size cap the oldest files go first.
type Janitor struct {
	dir        string
	keepDays   int
	maxTotalMB int
	cronExpr   string
	log        zerolog.Logger

	cron *cron.Cron
}

// JanitorOpts holds parameters for creating a Janitor.
type JanitorOpts struct {
	Dir        string // log directory to prune
	KeepDays   int    // delete files older than this many days
	MaxTotalMB int    // total size cap; 0 disables the cap
	CronExpr   string // 5-field cron expression
	Log        zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(opts JanitorOpts) (*Janitor, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("maintenance: dir is required")
	}
	if opts.KeepDays < 1 {
		return nil, fmt.Errorf("maintenance: keep_days must be at least 1")
	}
	return &Janitor{
		dir:        opts.Dir,
		keepDays:   opts.KeepDays,
		maxTotalMB: opts.MaxTotalMB,
		cronExpr:   opts.CronExpr,
		log:        opts.Log.With().Str("component", "maintenance").Logger(),
	}, nil
}

// Start schedules the cleanup job and returns immediately.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.cronExpr, func() {
		removed, err := j.CleanupOnce()
		if err != nil {
			j.log.Error().Err(err).Msg("log cleanup failed")
			return
		}
		if removed > 0 {
			j.log.Info().Int("removed", removed).Msg("log cleanup done")
		}
	}); err != nil {
		return fmt.Errorf("maintenance: schedule %q: %w", j.cronExpr, err)
	}
	c.Start()
	j.cron = c
	j.log.Info().Str("cron", j.cronExpr).Str("dir", j.dir).Msg("cleanup scheduled")
	return nil
}

// Stop halts the scheduler. Safe to call when Start was never called.
func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}

// logFile pairs a path with its metadata for pruning decisions.
type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

// CleanupOnce applies the retention policy immediately and returns the
// number of files removed.
func (j *Janitor) CleanupOnce() (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("maintenance: read %s: %w", j.dir, err)
	}

	var files []logFile
	var total int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(j.dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}

	// Oldest first.
	sort.Slice(files, func(a, b int) bool {
		return files[a].modTime.Before(files[b].modTime)
	})

	removed := 0
	cutoff := time.Now().AddDate(0, 0, -j.keepDays)
	capBytes := int64(j.maxTotalMB) * 1024 * 1024

	for _, f := range files {
		expired := f.modTime.Before(cutoff)
		overCap := capBytes > 0 && total > capBytes
		if !expired && !overCap {
			break // files are ordered oldest first; the rest are newer and under cap
		}
		if err := os.Remove(f.path); err != nil {
			j.log.Warn().Err(err).Str("file", f.path).Msg("remove log file failed")
			continue
		}
		total -= f.size
		removed++
	}
	return removed, nil
}
