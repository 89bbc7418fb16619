// SPDX-License-Identifier: MIT

package manifest

import "sort"

// Diff summarizes what changed between two manifest revisions.
type Diff struct {
	Added   []string // server IDs present only in new
	Removed []string // server IDs present only in old
	Changed []string // server IDs whose version or any asset digest changed
}

// Empty reports whether the two manifests are equivalent for build purposes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Compare computes the server-level difference between old and new.
// Output slices are sorted for stable CLI rendering.
func Compare(oldM, newM *Manifest) Diff {
	oldByID := indexByID(oldM)
	newByID := indexByID(newM)

	var d Diff
	for id := range newByID {
		if _, ok := oldByID[id]; !ok {
			d.Added = append(d.Added, id)
		}
	}
	for id, oldSrv := range oldByID {
		newSrv, ok := newByID[id]
		if !ok {
			d.Removed = append(d.Removed, id)
			continue
		}
		if serverChanged(oldSrv, newSrv) {
			d.Changed = append(d.Changed, id)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func indexByID(m *Manifest) map[string]Server {
	out := make(map[string]Server, len(m.Servers))
	for _, s := range m.Servers {
		out[s.ID] = s
	}
	return out
}

func serverChanged(oldSrv, newSrv Server) bool {
	if oldSrv.Version != newSrv.Version {
		return true
	}
	if len(oldSrv.Assets) != len(newSrv.Assets) {
		return true
	}
	for plat, oldAsset := range oldSrv.Assets {
		newAsset, ok := newSrv.Assets[plat]
		if !ok || oldAsset.SHA256 != newAsset.SHA256 {
			return true
		}
	}
	return false
}
