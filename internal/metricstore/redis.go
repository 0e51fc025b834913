package metricstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/syntheon/crossmetrics/internal/faults"
	"github.com/syntheon/crossmetrics/internal/models"
)

const dayFormat = "2006-01-02"

// RedisStore implements Store on Redis. Each bucket is a hash keyed by
// (family, day, dimension); every partition contributes four fields
// ("<partition>|sum" and friends) so replacing a partition is a plain HSET
// while the folded bucket value is the field-wise sum across partitions.
// Known dimensions per (family, day) are tracked in a companion set so range
// reads can enumerate them.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed metric store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func bucketKey(family string, day time.Time, dimension string) string {
	return fmt.Sprintf("metric:%s:%s:%s", family, day.UTC().Format(dayFormat), dimension)
}

func dimsKey(family string, day time.Time) string {
	return fmt.Sprintf("metricdims:%s:%s", family, day.UTC().Format(dayFormat))
}

// UpsertBucket replaces the partition's contribution in one round trip.
func (s *RedisStore) UpsertBucket(ctx context.Context, key models.MetricKey, inc models.Increment) error {
	if !inc.Valid() {
		return faults.MergeConflict("bucket " + key.Family + "/" + key.Dimension)
	}

	hkey := bucketKey(key.Family, key.Date, key.Dimension)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hkey,
			inc.Partition+"|sum", strconv.FormatFloat(inc.Sum, 'g', -1, 64),
			inc.Partition+"|count", strconv.FormatInt(inc.Count, 10),
			inc.Partition+"|num", strconv.FormatInt(inc.Numerator, 10),
			inc.Partition+"|den", strconv.FormatInt(inc.Denominator, 10),
		)
		pipe.SAdd(ctx, dimsKey(key.Family, key.Date), key.Dimension)
		return nil
	})
	if err != nil {
		return fmt.Errorf("metricstore upsert %s: %w", hkey, err)
	}
	return nil
}

// ReadRange walks the window's days and folds each bucket's partitions.
func (s *RedisStore) ReadRange(ctx context.Context, family string, window models.Window, dimension string) ([]models.DailyMetric, error) {
	var out []models.DailyMetric
	for _, day := range window.Days() {
		dims, err := s.dimensions(ctx, family, day, dimension)
		if err != nil {
			return nil, err
		}
		for _, dim := range dims {
			fields, err := s.client.HGetAll(ctx, bucketKey(family, day, dim)).Result()
			if err != nil {
				return nil, fmt.Errorf("metricstore read %s/%s: %w", family, dim, err)
			}
			if len(fields) == 0 {
				continue
			}
			m, err := foldPartitions(models.NewMetricKey(family, day, dim), fields)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *RedisStore) dimensions(ctx context.Context, family string, day time.Time, filter string) ([]string, error) {
	if filter != "" {
		return []string{filter}, nil
	}
	dims, err := s.client.SMembers(ctx, dimsKey(family, day)).Result()
	if err != nil {
		return nil, fmt.Errorf("metricstore dims %s: %w", family, err)
	}
	sort.Strings(dims)
	return dims, nil
}

// foldPartitions sums the hash's per-partition fields in ascending partition
// order so repeated reads produce bit-identical values.
func foldPartitions(key models.MetricKey, fields map[string]string) (models.DailyMetric, error) {
	parts := make(map[string]models.MetricFields)
	for field, raw := range fields {
		sep := strings.LastIndex(field, "|")
		if sep < 0 {
			return models.DailyMetric{}, faults.MergeConflict("malformed field " + field)
		}
		name, kind := field[:sep], field[sep+1:]
		p := parts[name]
		switch kind {
		case "sum":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return models.DailyMetric{}, faults.MergeConflict("bad sum for " + name)
			}
			p.Sum = v
		case "count", "num", "den":
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return models.DailyMetric{}, faults.MergeConflict("bad " + kind + " for " + name)
			}
			switch kind {
			case "count":
				p.Count = v
			case "num":
				p.Numerator = v
			case "den":
				p.Denominator = v
			}
		default:
			return models.DailyMetric{}, faults.MergeConflict("unknown field " + field)
		}
		parts[name] = p
	}

	m := models.DailyMetric{Key: key}
	for _, f := range sortedPartitions(parts) {
		m.Add(f)
	}
	return m, nil
}
