package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage implements all three abstractions on a shared Redis instance,
// allowing several executors to use one durable store. Key layout:
//
//	{prefix}blob:<path>         plain value
//	{prefix}kv:<bucket>         hash of key -> value
//	{prefix}idx:<stream>        hash of decimal index -> value
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
}

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// NewRedisStorage connects and pings the server.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStorage{client: client, keyPrefix: opts.KeyPrefix}, nil
}

func (s *RedisStorage) Blob() BlobStorage         { return (*redisBlob)(s) }
func (s *RedisStorage) KeyValue() KeyValueStorage { return (*redisKV)(s) }
func (s *RedisStorage) Indexed() IndexedStorage   { return (*redisIndexed)(s) }

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) blobKey(path string) string {
	return s.keyPrefix + "blob:" + path
}

func (s *RedisStorage) kvKey(bucket string) string {
	return s.keyPrefix + "kv:" + bucket
}

func (s *RedisStorage) idxKey(stream string) string {
	return s.keyPrefix + "idx:" + stream
}

type redisBlob RedisStorage

func (s *redisBlob) PutBlob(ctx context.Context, path string, data []byte) error {
	return s.client.Set(ctx, (*RedisStorage)(s).blobKey(path), data, 0).Err()
}

func (s *redisBlob) GetBlob(ctx context.Context, path string) ([]byte, error) {
	data, err := s.client.Get(ctx, (*RedisStorage)(s).blobKey(path)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *redisBlob) DeleteBlob(ctx context.Context, path string) error {
	return s.client.Del(ctx, (*RedisStorage)(s).blobKey(path)).Err()
}

func (s *redisBlob) BlobExists(ctx context.Context, path string) (bool, error) {
	n, err := s.client.Exists(ctx, (*RedisStorage)(s).blobKey(path)).Result()
	return n > 0, err
}

func (s *redisBlob) ListBlobs(ctx context.Context, prefix string) ([]string, error) {
	pattern := (*RedisStorage)(s).blobKey(prefix) + "*"
	var paths []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	skip := len((*RedisStorage)(s).blobKey(""))
	for iter.Next(ctx) {
		paths = append(paths, iter.Val()[skip:])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

type redisKV RedisStorage

func (s *redisKV) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := s.client.HGet(ctx, (*RedisStorage)(s).kvKey(bucket), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *redisKV) Set(ctx context.Context, bucket, key string, value []byte) error {
	return s.client.HSet(ctx, (*RedisStorage)(s).kvKey(bucket), key, value).Err()
}

func (s *redisKV) Delete(ctx context.Context, bucket, key string) error {
	return s.client.HDel(ctx, (*RedisStorage)(s).kvKey(bucket), key).Err()
}

func (s *redisKV) Keys(ctx context.Context, bucket string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, (*RedisStorage)(s).kvKey(bucket)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

type redisIndexed RedisStorage

func (s *redisIndexed) bounds(ctx context.Context, stream string) (first, last uint64, err error) {
	fields, err := s.client.HKeys(ctx, (*RedisStorage)(s).idxKey(stream)).Result()
	if err != nil {
		return 0, 0, err
	}
	for _, f := range fields {
		idx, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		if first == 0 || idx < first {
			first = idx
		}
		if idx > last {
			last = idx
		}
	}
	return first, last, nil
}

func (s *redisIndexed) Append(ctx context.Context, stream string, index uint64, value []byte) error {
	_, last, err := s.bounds(ctx, stream)
	if err != nil {
		return err
	}
	if last != 0 && index != last+1 {
		return ErrIndexGap
	}
	return s.client.HSet(ctx, (*RedisStorage)(s).idxKey(stream), strconv.FormatUint(index, 10), value).Err()
}

func (s *redisIndexed) Read(ctx context.Context, stream string, from, count uint64) ([][]byte, error) {
	first, last, err := s.bounds(ctx, stream)
	if err != nil || first == 0 {
		return nil, err
	}
	if from < first {
		from = first
	}
	var out [][]byte
	for i := from; i < from+count && i <= last; i++ {
		data, err := s.client.HGet(ctx, (*RedisStorage)(s).idxKey(stream), strconv.FormatUint(i, 10)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrIndexGap
			}
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (s *redisIndexed) FirstIndex(ctx context.Context, stream string) (uint64, error) {
	first, _, err := s.bounds(ctx, stream)
	return first, err
}

func (s *redisIndexed) LastIndex(ctx context.Context, stream string) (uint64, error) {
	_, last, err := s.bounds(ctx, stream)
	return last, err
}

func (s *redisIndexed) Length(ctx context.Context, stream string) (uint64, error) {
	n, err := s.client.HLen(ctx, (*RedisStorage)(s).idxKey(stream)).Result()
	return uint64(n), err
}

func (s *redisIndexed) Trim(ctx context.Context, stream string, toInclusive uint64) error {
	first, last, err := s.bounds(ctx, stream)
	if err != nil || first == 0 {
		return err
	}
	var fields []string
	for i := first; i <= toInclusive && i <= last; i++ {
		fields = append(fields, strconv.FormatUint(i, 10))
	}
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, (*RedisStorage)(s).idxKey(stream), fields...).Err()
}

func (s *redisIndexed) Drop(ctx context.Context, stream string) error {
	return s.client.Del(ctx, (*RedisStorage)(s).idxKey(stream)).Err()
}

func (s *redisIndexed) StreamExists(ctx context.Context, stream string) (bool, error) {
	n, err := s.client.Exists(ctx, (*RedisStorage)(s).idxKey(stream)).Result()
	return n > 0, err
}
