// Package catalog records processed videos for the marketplace listing.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-video-preview/pkg/preview"
)

var ErrNotFound = errors.New("video not found")

const (
	indexKey       = "videos:index"
	ownerIndexBase = "videos:owner:"
	categoriesKey  = "videos:categories"
	totalsKey      = "videos:totals"

	uncategorized = "uncategorized"
)

// Video is one catalog listing.
type Video struct {
	ID             string                `json:"id"`
	Owner          string                `json:"owner"`
	Title          string                `json:"title"`
	Category       string                `json:"category,omitempty"`
	Price          string                `json:"price,omitempty"`
	Metadata       preview.VideoMetadata `json:"metadata"`
	OriginalObject string                `json:"original_object"`
	PreviewObject  string                `json:"preview_object"`
	CreatedAt      time.Time             `json:"created_at"`
}

type Catalog struct {
	redis *redis.Client
}

func New(client *redis.Client) *Catalog {
	return &Catalog{redis: client}
}

func videoKey(id string) string {
	return "video:" + id
}

// Put stores v and indexes it by creation time, overall and per owner.
// Category counts and the summed listing value follow the stored record, so
// putting the same id again replaces its contribution.
func (c *Catalog) Put(ctx context.Context, v Video) error {
	if v.ID == "" {
		return errors.New("catalog: video id is required")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal video: %w", err)
	}

	key := videoKey(v.ID)
	score := float64(v.CreatedAt.UnixMilli())
	return c.redis.Watch(ctx, func(tx *redis.Tx) error {
		var prev *Video
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			prev = &Video{}
			if err := json.Unmarshal(data, prev); err != nil {
				return fmt.Errorf("decode video %s: %w", v.ID, err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, indexKey, redis.Z{Score: score, Member: v.ID})
			pipe.ZAdd(ctx, ownerIndexBase+v.Owner, redis.Z{Score: score, Member: v.ID})
			if prev != nil {
				pipe.HIncrBy(ctx, categoriesKey, categoryOf(prev.Category), -1)
				pipe.HIncrByFloat(ctx, totalsKey, "value", -ParsePrice(prev.Price))
			}
			pipe.HIncrBy(ctx, categoriesKey, categoryOf(v.Category), 1)
			pipe.HIncrByFloat(ctx, totalsKey, "value", ParsePrice(v.Price))
			return nil
		})
		return err
	}, key)
}

// Stats summarizes the whole catalog.
type Stats struct {
	TotalVideos int64            `json:"total_videos"`
	TotalValue  float64          `json:"total_value"`
	Categories  map[string]int64 `json:"categories"`
}

// Stats returns the video count, the summed listing price and the number of
// videos per category.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Categories: map[string]int64{}}

	total, err := c.redis.ZCard(ctx, indexKey).Result()
	if err != nil {
		return st, err
	}
	st.TotalVideos = total

	value, err := c.redis.HGet(ctx, totalsKey, "value").Float64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return st, err
	}
	st.TotalValue = math.Round(value*100) / 100

	counts, err := c.redis.HGetAll(ctx, categoriesKey).Result()
	if err != nil {
		return st, err
	}
	for cat, raw := range counts {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		st.Categories[cat] = n
	}
	return st, nil
}

// ParsePrice reads a listing price such as "$50" or "1,250.00". Anything
// unparseable counts as zero.
func ParsePrice(price string) float64 {
	price = strings.TrimSpace(price)
	price = strings.TrimPrefix(price, "$")
	price = strings.ReplaceAll(price, ",", "")
	f, err := strconv.ParseFloat(strings.TrimSpace(price), 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}

func categoryOf(category string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		return uncategorized
	}
	return category
}

func (c *Catalog) Get(ctx context.Context, id string) (*Video, error) {
	data, err := c.redis.Get(ctx, videoKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var v Video
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode video %s: %w", id, err)
	}
	return &v, nil
}

// List returns up to limit videos, newest first.
func (c *Catalog) List(ctx context.Context, offset, limit int) ([]Video, error) {
	return c.list(ctx, indexKey, offset, limit)
}

// ListByOwner returns up to limit videos uploaded by owner, newest first.
func (c *Catalog) ListByOwner(ctx context.Context, owner string, offset, limit int) ([]Video, error) {
	return c.list(ctx, ownerIndexBase+owner, offset, limit)
}

func (c *Catalog) list(ctx context.Context, index string, offset, limit int) ([]Video, error) {
	if limit <= 0 {
		return []Video{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	start := int64(offset)
	if start > math.MaxInt64-int64(limit) {
		return []Video{}, nil
	}
	ids, err := c.redis.ZRevRange(ctx, index, start, start+int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Video{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = videoKey(id)
	}
	raw, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	videos := make([]Video, 0, len(raw))
	for i, r := range raw {
		s, ok := r.(string)
		if !ok {
			// Index entry without a record; skip it.
			continue
		}
		var v Video
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("decode video %s: %w", ids[i], err)
		}
		videos = append(videos, v)
	}
	return videos, nil
}
