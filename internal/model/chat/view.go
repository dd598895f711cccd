package chat

import (
	"sort"
	"time"
)

// DefaultGap 超过该间隔的相邻条目被分到不同的时间分组。
const DefaultGap = 30 * time.Minute

// Cluster 一组时间上相邻的历史条目。
type Cluster struct {
	Start   time.Time
	Entries History
}

// GroupByGap splits h into runs separated by more than gap. h is not modified.
func GroupByGap(h History, gap time.Duration) []Cluster {
	if len(h) == 0 {
		return nil
	}
	if gap <= 0 {
		gap = DefaultGap
	}

	clusters := make([]Cluster, 0, 4)
	current := Cluster{Start: h[0].Timestamp()}
	last := h[0].Timestamp()

	for _, entry := range h {
		ts := entry.Timestamp()
		if len(current.Entries) > 0 && ts.Sub(last) > gap {
			clusters = append(clusters, current)
			current = Cluster{Start: ts}
		}
		current.Entries = append(current.Entries, entry)
		last = ts
	}

	return append(clusters, current)
}

// Contacts 按 last_updated 倒序排列会话，时间相同时按 id 排序。
func Contacts(chats []Chat) []Chat {
	out := make([]Chat, len(chats))
	copy(out, chats)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Head(), out[j].Head()
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.After(b.LastUpdated)
		}
		return a.ID < b.ID
	})
	return out
}
