package cache

// SourceStats are running counters for one source.
type SourceStats struct {
	Requests    int64 `json:"requests"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Errors      int64 `json:"errors"`
	Sets        int64 `json:"sets"`
	Evictions   int64 `json:"evictions"`
	BytesStored int64 `json:"bytes_stored"`
}

// HitRate is hits over requests, zero when idle.
func (s SourceStats) HitRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Requests)
}

func (s *SourceStats) add(o SourceStats) {
	s.Requests += o.Requests
	s.Hits += o.Hits
	s.Misses += o.Misses
	s.Errors += o.Errors
	s.Sets += o.Sets
	s.Evictions += o.Evictions
	s.BytesStored += o.BytesStored
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Tier         string                 `json:"tier"`
	LocalEntries int                    `json:"local_entries"`
	Total        SourceStats            `json:"total"`
	HitRate      float64                `json:"hit_rate"`
	Sources      map[string]SourceStats `json:"sources"`
}

func (c *Cache) record(src string, fn func(*SourceStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[src]
	if !ok {
		s = &SourceStats{}
		c.stats[src] = s
	}
	fn(s)
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	sources := make(map[string]SourceStats, len(c.stats))
	for src, s := range c.stats {
		sources[src] = *s
	}
	c.mu.Unlock()

	out := Stats{Tier: c.Tier(), LocalEntries: c.local.Len(), Sources: sources}
	for _, s := range sources {
		out.Total.add(s)
	}
	out.HitRate = out.Total.HitRate()
	return out
}

// ResetStats zeroes every counter.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = map[string]*SourceStats{}
}
