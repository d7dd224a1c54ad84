package executor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/runtime"
	"github.com/golemcloud/golem-sub021/pkg/storage"
)

// Core non-deterministic host functions. Each is journaled as a host-call
// entry by the runtime; during replay the recorded responses are served
// and these handlers never run.
const (
	hostFnRandom   = "golem::random::u64"
	hostFnClockNow = "golem::clock::now"
	hostFnKVGet    = "golem::keyvalue::get"
	hostFnKVSet    = "golem::keyvalue::set"
	hostFnKVDelete = "golem::keyvalue::delete"
	hostFnKVKeys   = "golem::keyvalue::keys"
)

// guestKVPrefix namespaces guest key-value buckets away from the
// executor's own.
const guestKVPrefix = "guest_kv:"

func (e *Executor) registerCoreHostFunctions() {
	e.hosts.Register(hostFnRandom, e.hostRandom)
	e.hosts.Register(hostFnClockNow, e.hostClockNow)
	e.hosts.Register(hostFnKVGet, e.hostKVGet)
	e.hosts.Register(hostFnKVSet, e.hostKVSet)
	e.hosts.Register(hostFnKVDelete, e.hostKVDelete)
	e.hosts.Register(hostFnKVKeys, e.hostKVKeys)
}

func (e *Executor) hostRandom(_ context.Context, _ *runtime.CallInfo, _ []byte) ([]byte, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "random source failed", err)
	}
	return json.Marshal(map[string]uint64{"value": binary.BigEndian.Uint64(buf[:])})
}

func (e *Executor) hostClockNow(_ context.Context, _ *runtime.CallInfo, _ []byte) ([]byte, error) {
	now := time.Now()
	return json.Marshal(map[string]int64{"seconds": now.Unix(), "nanos": int64(now.Nanosecond())})
}

type kvRequest struct {
	Bucket string          `json:"bucket"`
	Key    string          `json:"key,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

func decodeKVRequest(request []byte) (*kvRequest, error) {
	var req kvRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, apperror.Wrap(apperror.CodeInvalidRequest, "undecodable keyvalue request", err)
	}
	if req.Bucket == "" {
		return nil, apperror.New(apperror.CodeInvalidRequest, "keyvalue request without bucket")
	}
	return &req, nil
}

// hostKVGet reads from the guest-visible durable map. A missing key is
// reported as {"found": false}, not as an error.
func (e *Executor) hostKVGet(ctx context.Context, _ *runtime.CallInfo, request []byte) ([]byte, error) {
	req, err := decodeKVRequest(request)
	if err != nil {
		return nil, err
	}
	value, err := e.store.KeyValue().Get(ctx, guestKVPrefix+req.Bucket, req.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return json.Marshal(map[string]any{"found": false})
		}
		return nil, apperror.Wrap(apperror.CodeStorage, "keyvalue get failed", err)
	}
	return json.Marshal(map[string]any{"found": true, "value": json.RawMessage(value)})
}

func (e *Executor) hostKVSet(ctx context.Context, _ *runtime.CallInfo, request []byte) ([]byte, error) {
	req, err := decodeKVRequest(request)
	if err != nil {
		return nil, err
	}
	if err := e.store.KeyValue().Set(ctx, guestKVPrefix+req.Bucket, req.Key, req.Value); err != nil {
		return nil, apperror.Wrap(apperror.CodeStorage, "keyvalue set failed", err)
	}
	return json.Marshal(map[string]bool{"ok": true})
}

func (e *Executor) hostKVDelete(ctx context.Context, _ *runtime.CallInfo, request []byte) ([]byte, error) {
	req, err := decodeKVRequest(request)
	if err != nil {
		return nil, err
	}
	if err := e.store.KeyValue().Delete(ctx, guestKVPrefix+req.Bucket, req.Key); err != nil {
		return nil, apperror.Wrap(apperror.CodeStorage, "keyvalue delete failed", err)
	}
	return json.Marshal(map[string]bool{"ok": true})
}

func (e *Executor) hostKVKeys(ctx context.Context, _ *runtime.CallInfo, request []byte) ([]byte, error) {
	req, err := decodeKVRequest(request)
	if err != nil {
		return nil, err
	}
	keys, err := e.store.KeyValue().Keys(ctx, guestKVPrefix+req.Bucket)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeStorage, "keyvalue keys failed", err)
	}
	return json.Marshal(map[string][]string{"keys": keys})
}
