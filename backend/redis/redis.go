package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/backend/ledger"
	"github.com/stepflow-io/stepflow/core"
)

var _ backend.Store = (*redisStore)(nil)

func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *redisStore {
	options := &RedisOptions{
		Options: backend.ApplyOptions(),
	}

	for _, opt := range opts {
		opt(options)
	}

	return &redisStore{
		rdb:     client,
		options: options,
	}
}

type redisStore struct {
	rdb     redis.UniversalClient
	options *RedisOptions
}

func (s *redisStore) Options() backend.Options {
	return s.options.Options
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}

func (s *redisStore) CreateRun(ctx context.Context, run *core.Run) error {
	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	created, err := s.rdb.SetNX(ctx, runKey(s.options.KeyPrefix, run.ID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("storing run: %w", err)
	}

	if !created {
		return backend.ErrRunAlreadyExists
	}

	return nil
}

func (s *redisStore) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	b, err := s.rdb.Get(ctx, runKey(s.options.KeyPrefix, runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrRunNotFound
		}

		return nil, fmt.Errorf("loading run: %w", err)
	}

	run := &core.Run{}
	if err := json.Unmarshal(b, run); err != nil {
		return nil, fmt.Errorf("unmarshaling run: %w", err)
	}

	return run, nil
}

func (s *redisStore) GetLedger(ctx context.Context, runID string) ([]*ledger.StepRecord, error) {
	entries, err := s.rdb.HGetAll(ctx, ledgerKey(s.options.KeyPrefix, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}

	records := make([]*ledger.StepRecord, 0, len(entries))
	for name, entry := range entries {
		rec := &ledger.StepRecord{}
		if err := json.Unmarshal([]byte(entry), rec); err != nil {
			return nil, fmt.Errorf("unmarshaling step record %q: %w", name, err)
		}

		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Index < records[j].Index
	})

	return records, nil
}

func (s *redisStore) CommitTick(ctx context.Context, run *core.Run, records []*ledger.StepRecord) error {
	key := runKey(s.options.KeyPrefix, run.ID)

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("checking run: %w", err)
	}

	if exists == 0 {
		return backend.ErrRunNotFound
	}

	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	entries := make(map[string]any, len(records))
	for _, rec := range records {
		rb, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling step record %q: %w", rec.Name, err)
		}

		entries[rec.Name] = rb
	}

	// MULTI/EXEC keeps the run update and the record upserts atomic
	p := s.rdb.TxPipeline()
	p.Set(ctx, key, b, 0)
	if len(entries) > 0 {
		p.HSet(ctx, ledgerKey(s.options.KeyPrefix, run.ID), entries)
	}

	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("committing tick: %w", err)
	}

	return nil
}
