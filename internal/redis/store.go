package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"upstand-realtime/internal/livequery"
	"upstand-realtime/internal/models"
)

// DefaultScanLimit bounds how many of the most recent documents a watch
// reads for its initial snapshot.
const DefaultScanLimit = 1000

// DocumentStore is a livequery.Store on Redis. Each collection keeps its
// documents in a hash, a recency index in a sorted set scored by
// timestamp, and a change feed on a pub/sub channel.
type DocumentStore struct {
	rdb       *redis.Client
	ScanLimit int64
}

var (
	_ livequery.Store  = (*DocumentStore)(nil)
	_ livequery.Writer = (*DocumentStore)(nil)
)

func NewDocumentStore(client *Client) *DocumentStore {
	return &DocumentStore{rdb: client.rdb, ScanLimit: DefaultScanLimit}
}

type changeMessage struct {
	Type string             `json:"type"`
	Doc  livequery.Document `json:"doc"`
}

func docKey(collection string) string      { return "upstand:doc:" + collection }
func indexKey(collection string) string    { return "upstand:idx:" + collection }
func changesKey(collection string) string  { return "upstand:changes:" + collection }
func collectionOf(channel string) string   { return channel[len("upstand:changes:"):] }
func score(doc livequery.Document) float64 { return float64(doc.Timestamp.UnixMilli()) }

// Put upserts doc and publishes the change.
func (s *DocumentStore) Put(ctx context.Context, collection string, doc livequery.Document) (models.ChangeType, error) {
	if doc.ID == "" {
		return 0, errors.New("put: document id is required")
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", collection, doc.ID, err)
	}

	existed, err := s.rdb.HExists(ctx, docKey(collection), doc.ID).Result()
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", collection, doc.ID, err)
	}
	change := models.ChangeAdded
	if existed {
		change = models.ChangeModified
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, docKey(collection), doc.ID, payload)
		pipe.ZAdd(ctx, indexKey(collection), &redis.Z{Score: score(doc), Member: doc.ID})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", collection, doc.ID, err)
	}

	msg, err := encodeChange(livequery.Change{Type: change, Doc: doc})
	if err != nil {
		return 0, err
	}
	if err := s.rdb.Publish(ctx, changesKey(collection), msg).Err(); err != nil {
		return change, fmt.Errorf("publish %s/%s: %w", collection, doc.ID, err)
	}
	return change, nil
}

// Watch subscribes to the change feed before reading the snapshot, so a
// write racing the snapshot is delivered at least once.
func (s *DocumentStore) Watch(ctx context.Context, q livequery.Query, onChange func(livequery.Change), onError func(error)) (func(), error) {
	sub := s.rdb.Subscribe(ctx, changesKey(q.Collection))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}

	snapshot, err := s.snapshot(ctx, q)
	if err != nil {
		sub.Close()
		return nil, err
	}

	var stopped atomic.Bool
	go func() {
		for i := len(snapshot) - 1; i >= 0; i-- {
			if stopped.Load() {
				return
			}
			onChange(livequery.Change{Type: models.ChangeAdded, Doc: snapshot[i]})
		}
		for msg := range sub.Channel() {
			if stopped.Load() {
				return
			}
			c, err := decodeChange(msg.Payload)
			if err != nil {
				slog.Warn("[REDIS] Dropping malformed change", "collection", collectionOf(msg.Channel), "error", err)
				continue
			}
			if q.Matches(c.Doc) {
				onChange(c)
			}
		}
		if !stopped.Load() && onError != nil {
			onError(livequery.ErrStopped)
		}
	}()

	stop := func() {
		if stopped.CompareAndSwap(false, true) {
			sub.Close()
		}
	}
	return stop, nil
}

func (s *DocumentStore) snapshot(ctx context.Context, q livequery.Query) ([]livequery.Document, error) {
	limit := s.ScanLimit
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	ids, err := s.rdb.ZRevRange(ctx, indexKey(q.Collection), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", q.Collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := s.rdb.HMGet(ctx, docKey(q.Collection), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", q.Collection, err)
	}
	return selectSnapshot(q, values), nil
}

// selectSnapshot decodes HMGET results and applies the query. Missing or
// malformed entries are skipped.
func selectSnapshot(q livequery.Query, values []interface{}) []livequery.Document {
	docs := make([]livequery.Document, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var doc livequery.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			slog.Warn("[REDIS] Skipping malformed document", "collection", q.Collection, "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	return q.Select(docs)
}

func encodeChange(c livequery.Change) ([]byte, error) {
	msg, err := json.Marshal(changeMessage{Type: c.Type.String(), Doc: c.Doc})
	if err != nil {
		return nil, fmt.Errorf("encode change %s: %w", c.Doc.ID, err)
	}
	return msg, nil
}

func decodeChange(payload string) (livequery.Change, error) {
	var msg changeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return livequery.Change{}, err
	}
	if msg.Doc.ID == "" {
		return livequery.Change{}, errors.New("change without document id")
	}
	change := models.ChangeAdded
	if msg.Type == models.ChangeModified.String() {
		change = models.ChangeModified
	}
	return livequery.Change{Type: change, Doc: msg.Doc}, nil
}
