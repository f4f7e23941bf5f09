package store

// Stats is a compact view of the underlying database for ops surfaces.
type Stats struct {
	DiskBytes     uint64 `json:"disk_bytes"`
	MemtableBytes uint64 `json:"memtable_bytes"`
	WALBytes      uint64 `json:"wal_bytes"`
}

// Stats returns best-effort size metrics from pebble.
func (s *Store) Stats() Stats {
	m := s.db.Metrics()
	return Stats{
		DiskBytes:     m.DiskSpaceUsage(),
		MemtableBytes: m.MemTable.Size,
		WALBytes:      uint64(m.WAL.Size),
	}
}
