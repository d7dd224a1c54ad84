package types

import (
	"fmt"

	"github.com/google/uuid"
)

// idempotencyRootNamespace is the fixed UUIDv5 namespace used when the base
// key is not itself a UUID. Frozen: replay correctness depends on it.
var idempotencyRootNamespace = uuid.MustParse("9c19b15a-c83d-46f7-9bc3-ead7923733f4")

// IdempotencyKey deduplicates invocations across retries and replays. The
// value is free-form; callers may supply anything.
type IdempotencyKey struct {
	Value string `json:"value"`
}

// NewIdempotencyKey wraps a caller-supplied value.
func NewIdempotencyKey(value string) IdempotencyKey {
	return IdempotencyKey{Value: value}
}

// FreshIdempotencyKey generates a random key for callers that did not supply
// one.
func FreshIdempotencyKey() IdempotencyKey {
	return IdempotencyKey{Value: uuid.NewString()}
}

// DerivedIdempotencyKey deterministically derives the key for a nested call
// from the caller's key and the caller's current oplog index.
//
// If the base key parses as a UUID it is used directly as the UUIDv5
// namespace; otherwise a namespace is first derived from the root namespace
// over the base bytes. The name part is always "oplog-index-{n}". On replay
// the same base and index yield a byte-identical key, so the callee serves
// the completed call from its own oplog.
func DerivedIdempotencyKey(base IdempotencyKey, index OplogIndex) IdempotencyKey {
	namespace, err := uuid.Parse(base.Value)
	if err != nil {
		namespace = uuid.NewSHA1(idempotencyRootNamespace, []byte(base.Value))
	}
	name := fmt.Sprintf("oplog-index-%d", uint64(index))
	return IdempotencyKey{Value: uuid.NewSHA1(namespace, []byte(name)).String()}
}

// IsZero reports whether the key is unset.
func (k IdempotencyKey) IsZero() bool {
	return k.Value == ""
}

func (k IdempotencyKey) String() string {
	return k.Value
}
