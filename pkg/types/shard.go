package types

import (
	"encoding/binary"
	"strconv"
)

// ShardId is one of N partitions of the worker id space. The derivation from
// a WorkerId is frozen: changing it reshards the whole fleet.
type ShardId int64

// ShardIdFromWorkerId folds the worker id hash into [0, numberOfShards).
func ShardIdFromWorkerId(workerID WorkerId, numberOfShards int) ShardId {
	hash := HashWorkerId(workerID)
	value := hash % int64(numberOfShards)
	if value < 0 {
		value = -value
	}
	return ShardId(value)
}

// HashWorkerId computes the frozen 64-bit hash of a worker id. The high half
// hashes the decimal form of the component UUID's high 64 bits; the low half
// hashes the decimal low bits concatenated with the worker name.
func HashWorkerId(workerID WorkerId) int64 {
	u := workerID.ComponentID.UUID
	highBits := int64(binary.BigEndian.Uint64(u[0:8]))
	lowBits := int64(binary.BigEndian.Uint64(u[8:16]))
	high := hashString(strconv.FormatInt(highBits, 10))
	low := hashString(strconv.FormatInt(lowBits, 10) + workerID.WorkerName)
	return (int64(high) << 32) | (int64(low) & 0xFFFFFFFF)
}

// hashString is the 31x string hash over raw bytes with 32-bit wraparound.
func hashString(s string) int32 {
	var hash int32
	for i := 0; i < len(s); i++ {
		hash = 31*hash + int32(s[i])
	}
	return hash
}

// IsLeftNeighborOf reports whether the other shard directly follows this one.
func (s ShardId) IsLeftNeighborOf(other ShardId) bool {
	return other == s+1
}

func (s ShardId) String() string {
	return "<" + strconv.FormatInt(int64(s), 10) + ">"
}
