package models

import "fmt"

// StatsRow is a periodic aggregated counter snapshot, optionally persisted
// to the cache_stats table by callers that want historical trend data.
type StatsRow struct {
	Period  string
	Hits    int64
	Misses  int64
	Entries int64
	Bytes   int64
}

// CacheStats is the live aggregate returned by cachecore's Core.Stats().
type CacheStats struct {
	Entries    int64
	TotalBytes int64
	AvgBytes   float64
	TotalHits  int64
	MaxBytes   int64
	UsagePct   float64
	ByAccount  map[string]int64
	ByResource map[string]int64
}

// HumanReadable returns a display-formatted copy of the stats, mirroring
// the human-readable byte/percentage formatting the tool layer's
// cache_get_stats() response wraps raw counters in.
func (s CacheStats) HumanReadable() map[string]string {
	return map[string]string{
		"entries":     fmt.Sprintf("%d", s.Entries),
		"total_bytes": formatBytes(s.TotalBytes),
		"avg_bytes":   formatBytes(int64(s.AvgBytes)),
		"total_hits":  fmt.Sprintf("%d", s.TotalHits),
		"max_bytes":   formatBytes(s.MaxBytes),
		"usage_pct":   fmt.Sprintf("%.1f%%", s.UsagePct*100),
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
