package client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EventLens/internal/catalog"
	"EventLens/internal/events"
	"EventLens/internal/pipeline"
	"EventLens/internal/summarize"
	"EventLens/server"
)

type stubService struct{ err error }

func (s stubService) Backend() string { return "stub" }

func (s stubService) Enrich(_ context.Context, sess events.Session) ([]events.EnrichedEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]events.EnrichedEvent, len(sess.Events))
	for i, ev := range sess.Events {
		out[i] = events.EnrichedEvent{Record: ev}
	}
	return out, nil
}

func (s stubService) Summarize(ctx context.Context, sess events.Session, maxWords int) (pipeline.Result, error) {
	evs, err := s.Enrich(ctx, sess)
	if err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{
		DistinctID: sess.DistinctID,
		Events:     evs,
		Narrative:  summarize.Narrative{Text: fmt.Sprintf("%d events.", len(evs)), State: summarize.StateFallback, Words: 2},
	}, nil
}

func TestClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(server.NewHTTPServer(stubService{}, server.Options{Mode: "test"}).Handler())
	defer srv.Close()
	c := NewHTTPClient(srv.URL, 0)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stub", health.Backend)

	sess := events.NewSession("u1", []events.Record{
		{Name: "b", Timestamp: 2, Properties: events.Properties{"n": events.Number(1)}},
		{Name: "a", Timestamp: 1},
	})
	out, err := c.Enrich(ctx, sess)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Name)
	assert.True(t, out[1].Properties["n"].Equal(events.Number(1)))

	res, err := c.Summarize(ctx, sess, 20)
	require.NoError(t, err)
	assert.Equal(t, summarize.StateFallback, res.Narrative.State)
	assert.Equal(t, "2 events.", res.Narrative.Text)
}

func TestClientSurfacesErrorKind(t *testing.T) {
	svc := stubService{err: fmt.Errorf("x: %w", catalog.ErrIndexUnavailable)}
	srv := httptest.NewServer(server.NewHTTPServer(svc, server.Options{Mode: "test"}).Handler())
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, 0).Enrich(context.Background(), events.NewSession("u", []events.Record{{Name: "a"}}))
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 503, apiErr.Status)
}
