package queryplan

import (
	"github.com/hanfei1991/streamplace/model"
)

// ChangeEntry is one recorded edit of a shared query plan.
type ChangeEntry struct {
	Seq     uint64
	Added   []Edge
	Removed []Edge
	// Invalidated operators lost their location, for example because the
	// topology node hosting them left the cluster.
	Invalidated []model.OperatorID
}

// Changes is the union of change entries up to Seq.
type Changes struct {
	Seq         uint64
	Added       []Edge
	Removed     []Edge
	Invalidated []model.OperatorID
}

// Empty returns whether nothing changed.
func (c *Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Invalidated) == 0
}

// ChangeLog records edits since the last committed placement.
type ChangeLog struct {
	entries []ChangeEntry
	lastSeq uint64
}

func (l *ChangeLog) append(entry ChangeEntry) {
	if len(entry.Added) == 0 && len(entry.Removed) == 0 && len(entry.Invalidated) == 0 {
		return
	}
	l.lastSeq++
	entry.Seq = l.lastSeq
	l.entries = append(l.entries, entry)
}

func (l *ChangeLog) snapshot() Changes {
	ret := Changes{Seq: l.lastSeq}
	invalidated := make(map[model.OperatorID]struct{})
	for _, e := range l.entries {
		ret.Added = append(ret.Added, e.Added...)
		ret.Removed = append(ret.Removed, e.Removed...)
		for _, id := range e.Invalidated {
			if _, ok := invalidated[id]; ok {
				continue
			}
			invalidated[id] = struct{}{}
			ret.Invalidated = append(ret.Invalidated, id)
		}
	}
	SortOperatorIDs(ret.Invalidated)
	return ret
}

// clearUpTo drops every entry with Seq <= seq. Entries appended after the
// snapshot was taken survive.
func (l *ChangeLog) clearUpTo(seq uint64) {
	i := 0
	for i < len(l.entries) && l.entries[i].Seq <= seq {
		i++
	}
	l.entries = append([]ChangeEntry(nil), l.entries[i:]...)
}

func (l *ChangeLog) len() int {
	return len(l.entries)
}
