package storage

import (
	"hash/fnv"
	"sort"
)

// ComputePartition implements compute_partition: abs(hash(stream_id)) mod
// partition_count. An empty stream id has no partition (the row is not
// stream-scoped) and ok is false.
func ComputePartition(streamID string, partitionCount int) (partition int, ok bool) {
	if streamID == "" || partitionCount <= 0 {
		return 0, false
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(streamID))
	return int(h.Sum64() % uint64(partitionCount)), true
}

// RankAmong implements calculate_instance_rank: row_number ordering of
// live instances by instance id, zero-based. If instanceID is not found
// among live, rank is -1.
func RankAmong(live []ServiceInstanceRow, instanceID string) (rank int, activeCount int) {
	ids := make([]string, 0, len(live))
	for _, r := range live {
		ids = append(ids, r.InstanceID)
	}
	sort.Strings(ids)
	activeCount = len(ids)
	for i, id := range ids {
		if id == instanceID {
			return i, activeCount
		}
	}
	return -1, activeCount
}
