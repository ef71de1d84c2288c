package memory

// SetCounters overwrites a period's counters without touching the index.
func (s *Store) SetCounters(periodID string, calls, seconds int64) {
	owner, ok := s.ownerOf(periodID)
	if !ok {
		return
	}
	shard := s.getShard(owner)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	p := shard.tenants[owner].periods[periodID]
	p.CallsConsumed = calls
	p.DurationConsumedSeconds = seconds
}
