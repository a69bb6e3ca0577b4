package pipeline

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dbmirror/dbmirror/internal/mirror"
)

// RecoverResult counts what RecoverArtifacts did.
type RecoverResult struct {
	Restored int
	Removed  int
}

// RecoverArtifacts cleans up backups left behind by an interrupted run. If a
// mirror is missing its newest backup is moved back into place; every other
// backup is deleted.
func (p *Pipeline) RecoverArtifacts(layout mirror.Layout) (RecoverResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res RecoverResult
	entries, err := os.ReadDir(layout.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, mirror.Errorf(mirror.KindUnknown, "recover", layout.Dir(), err)
	}

	type backup struct {
		path string
		at   time.Time
	}
	byName := make(map[string][]backup)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, at, ok := mirror.ParseBackupName(e.Name())
		if !ok {
			continue
		}
		byName[name] = append(byName[name], backup{path: filepath.Join(layout.Dir(), e.Name()), at: at})
	}

	for name, backups := range byName {
		sort.Slice(backups, func(i, j int) bool { return backups[i].at.After(backups[j].at) })

		dst := layout.Path(name)
		if !layout.Stat(name).Exists {
			if err := p.cfg.Rename(backups[0].path, dst); err != nil {
				p.logger.Error().Err(err).Str("backup", backups[0].path).Msg("Failed to restore stale backup")
			} else {
				res.Restored++
				p.logger.Info().Str("file", name).Msg("Restored mirror from stale backup")
			}
			backups = backups[1:]
		}
		for _, b := range backups {
			if err := os.Remove(b.path); err != nil {
				p.logger.Warn().Err(err).Str("backup", b.path).Msg("Failed to remove stale backup")
				continue
			}
			res.Removed++
		}
	}
	return res, nil
}
