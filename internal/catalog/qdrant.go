package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"EventLens/internal/embedding"
)

// tieSlack widens qdrant queries so equal scores straddling k can still be
// ordered by Seq.
const tieSlack = 8

// QdrantIndex stores catalog rows as points of one qdrant collection. Point
// IDs are UUIDv5 values derived from the event name, so re-upserting a name
// replaces its point.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string

	mu  sync.Mutex
	dim int
}

// QdrantOptions configures the qdrant connection.
type QdrantOptions struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// OpenQdrant connects to qdrant over gRPC. The collection is created on the
// first write, sized by the first vector.
func OpenQdrant(ctx context.Context, opts QdrantOptions) (*QdrantIndex, error) {
	if opts.Collection == "" {
		return nil, fmt.Errorf("catalog: qdrant collection is required")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, unavailable("qdrant connect", err)
	}

	idx := &QdrantIndex{client: client, collection: opts.Collection}
	if err := idx.loadDimension(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return idx, nil
}

func pointID(name string) *qdrant.PointId {
	return qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("eventlens:"+name)).String())
}

func (q *QdrantIndex) loadDimension(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return unavailable("qdrant collection exists", err)
	}
	if !exists {
		return nil
	}
	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return unavailable("qdrant collection info", err)
	}
	q.mu.Lock()
	q.dim = int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
	q.mu.Unlock()
	return nil
}

func (q *QdrantIndex) dimension() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dim
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dim int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dim != 0 {
		if q.dim != dim {
			return fmt.Errorf("%w: entry has %d, collection has %d", embedding.ErrDimensionMismatch, dim, q.dim)
		}
		return nil
	}

	err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return unavailable("qdrant create collection", err)
	}
	_, err = q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "seq",
		FieldType:      qdrant.FieldType_FieldTypeInteger.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return unavailable("qdrant create seq index", err)
	}
	q.dim = dim
	return nil
}

func (q *QdrantIndex) Get(ctx context.Context, name string) (Entry, error) {
	if q.dimension() == 0 {
		return Entry{}, ErrNotFound
	}
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{pointID(name)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return Entry{}, unavailable("qdrant get", err)
	}
	if len(points) == 0 {
		return Entry{}, ErrNotFound
	}
	return entryFromPayload(points[0].GetPayload()), nil
}

func (q *QdrantIndex) Put(ctx context.Context, e Entry) error {
	if err := q.ensureCollection(ctx, len(e.Embedding)); err != nil {
		return err
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      pointID(e.EventName),
			Vectors: qdrant.NewVectors(e.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"event_name":  e.EventName,
				"description": e.Description,
				"seq":         e.Seq,
				"updated_at":  updated.UnixNano(),
			}),
		}},
	})
	if err != nil {
		return unavailable("qdrant upsert", err)
	}
	return nil
}

func (q *QdrantIndex) Nearest(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	dim := q.dimension()
	if dim == 0 {
		return nil, nil
	}
	if dim != len(vec) {
		return nil, fmt.Errorf("%w: query has %d, collection has %d", embedding.ErrDimensionMismatch, len(vec), dim)
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k + tieSlack)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, unavailable("qdrant query", err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		e := entryFromPayload(p.GetPayload())
		matches = append(matches, Match{
			EventName:   e.EventName,
			Description: e.Description,
			Score:       float64(p.GetScore()),
			Seq:         e.Seq,
		})
	}
	return rank(matches, k), nil
}

func (q *QdrantIndex) Delete(ctx context.Context, name string) (bool, error) {
	if q.dimension() == 0 {
		return false, nil
	}
	if _, err := q.Get(ctx, name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointID(name)),
	})
	if err != nil {
		return false, unavailable("qdrant delete", err)
	}
	return true, nil
}

func (q *QdrantIndex) Reset(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return unavailable("qdrant collection exists", err)
	}
	if exists {
		if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
			return unavailable("qdrant delete collection", err)
		}
	}
	q.dim = 0
	return nil
}

func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	if q.dimension() == 0 {
		return 0, nil
	}
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, unavailable("qdrant count", err)
	}
	return int(n), nil
}

func (q *QdrantIndex) MaxSeq(ctx context.Context) (int64, error) {
	if q.dimension() == 0 {
		return 0, nil
	}
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query: qdrant.NewQueryOrderBy(&qdrant.OrderBy{
			Key:       "seq",
			Direction: qdrant.Direction_Desc.Enum(),
		}),
		Limit:       qdrant.PtrOf(uint64(1)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return 0, unavailable("qdrant max seq", err)
	}
	if len(points) == 0 {
		return 0, nil
	}
	return entryFromPayload(points[0].GetPayload()).Seq, nil
}

func (q *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return unavailable("qdrant health", err)
	}
	return nil
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func entryFromPayload(payload map[string]*qdrant.Value) Entry {
	e := Entry{
		EventName:   payload["event_name"].GetStringValue(),
		Description: payload["description"].GetStringValue(),
		Seq:         payload["seq"].GetIntegerValue(),
	}
	if ns := payload["updated_at"].GetIntegerValue(); ns != 0 {
		e.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return e
}
