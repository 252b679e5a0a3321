package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/backend/test"
)

func TestRedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	address := os.Getenv("STEPFLOW_TEST_REDIS")
	if address == "" {
		t.Skip("STEPFLOW_TEST_REDIS not set")
	}

	test.StoreTest(t, func() backend.Store {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{address},
		})

		// Unique prefix per setup keeps tests isolated on a shared server
		return NewRedisStore(client, WithKeyPrefix("test:"+uuid.NewString()+":"))
	}, func(s backend.Store) {
		rs := s.(*redisStore)

		keys, err := rs.rdb.Keys(context.Background(), rs.options.KeyPrefix+"*").Result()
		if err != nil {
			panic(err)
		}

		if len(keys) > 0 {
			if err := rs.rdb.Del(context.Background(), keys...).Err(); err != nil {
				panic(err)
			}
		}

		if err := rs.Close(); err != nil {
			panic(err)
		}
	})
}
