package wal

import (
	"fmt"
	"os"
	"sort"

	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// Copyback reclaims journal generations once every page they describe is
// durable in its volume and no active snapshot can still need them.
// Append-only mode (configured at the engine level) disables reclaim
// entirely, trading unbounded journal growth for a complete append-only
// history.
type Copyback struct {
	dir        string
	appendOnly bool
}

func NewCopyback(dir string, appendOnly bool) *Copyback {
	return &Copyback{dir: dir, appendOnly: appendOnly}
}

type generationInfo struct {
	gen    uint64
	path   string
	maxLSN uint64
}

func listGenerations(dir string) ([]generationInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.StorageIoError("list journal dir %q", err, dir)
	}
	var infos []generationInfo
	for _, e := range entries {
		var g uint64
		if _, err := fmt.Sscanf(e.Name(), "journal-%020d.log", &g); err != nil {
			continue
		}
		path := generationPath(dir, g)
		var maxLSN uint64
		if err := scanFile(path, func(r Record) error {
			if r.LSN > maxLSN {
				maxLSN = r.LSN
			}
			return nil
		}); err != nil {
			return nil, err
		}
		infos = append(infos, generationInfo{gen: g, path: path, maxLSN: maxLSN})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].gen < infos[j].gen })
	return infos, nil
}

// Reclaim deletes every generation strictly below currentGeneration whose
// highest LSN is at or below safeLSN, and reports how many it removed.
func (c *Copyback) Reclaim(currentGeneration, safeLSN uint64) (int, error) {
	if c.appendOnly {
		return 0, nil
	}
	infos, err := listGenerations(c.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		if info.gen >= currentGeneration {
			continue
		}
		if info.maxLSN > safeLSN {
			continue
		}
		if err := os.Remove(info.path); err != nil {
			return removed, apperrors.StorageIoError("remove reclaimed journal generation %d", err, info.gen)
		}
		removed++
	}
	return removed, nil
}
