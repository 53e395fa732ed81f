package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/metric"
	"github.com/stackmotive/overlay/service"
	"github.com/stackmotive/overlay/simulation"
)

const prefix = "/api/v1/"

type apiClient struct {
	t      *testing.T
	server *httptest.Server
}

func newAPI(t *testing.T, opts ...service.Option) (*fixture, *apiClient) {
	t.Helper()
	f := newFixture(t, opts...)
	server := httptest.NewServer(f.overlay.Handler(prefix))
	t.Cleanup(server.Close)
	return f, &apiClient{t: t, server: server}
}

// do sends body (marshalled unless it is a string) and decodes the
// response into out when out is non-nil
func (c *apiClient) do(method, path string, body any, out any) *http.Response {
	c.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.server.URL+prefix+path, reader)
	require.NoError(c.t, err)
	resp, err := c.server.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if out != nil && len(data) > 0 {
		require.NoError(c.t, json.Unmarshal(data, out), "body: %s", data)
	}
	return resp
}

func TestHTTP_CanvasLifecycle(t *testing.T) {
	_, api := newAPI(t)

	var created canvas.Canvas
	resp := api.do(http.MethodPost, "canvases", map[string]any{"id": "c1", "name": "http"}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "c1", created.ID)
	assert.Equal(t, int64(1), created.Version)

	var b canvas.Block
	resp = api.do(http.MethodPost, "canvases/c1/blocks", canvas.BlockSpec{
		ID: "A", Type: "price_feed", Parameters: map[string]any{"symbol": "ETH"},
	}, &b)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "A", b.ID)

	resp = api.do(http.MethodPost, "canvases/c1/blocks", canvas.BlockSpec{ID: "B", Type: "threshold_filter"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var conn canvas.Connection
	resp = api.do(http.MethodPost, "canvases/c1/connections", canvas.ConnectionSpec{
		ID: "A-B", SourceBlockID: "A", SourcePort: "price", TargetBlockID: "B", TargetPort: "value",
	}, &conn)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "A-B", conn.ID)

	name := "filter"
	resp = api.do(http.MethodPatch, "canvases/c1/blocks/B", canvas.BlockUpdate{
		Name: &name, Parameters: map[string]any{"min": 10.0},
	}, &b)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "filter", b.Name)

	var got canvas.Canvas
	resp = api.do(http.MethodGet, "canvases/c1", nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(5), got.Version)
	assert.Len(t, got.Blocks, 2)
	assert.True(t, got.Status.IsValid, "errors: %v", got.Status.Errors)

	var doc canvas.Document
	resp = api.do(http.MethodGet, "canvases/c1?format=document", nil, &doc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http", doc.Name)
	assert.Len(t, doc.Blocks, 2)
	assert.Len(t, doc.Connections, 1)

	var report canvas.Report
	resp = api.do(http.MethodPost, "canvases/c1/validate", nil, &report)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, report.IsValid)

	resp = api.do(http.MethodDelete, "canvases/c1/connections/A-B", nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, got.Connections)

	resp = api.do(http.MethodDelete, "canvases/c1/blocks/A", nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, got.Blocks, 1)

	var list struct {
		Canvases []canvas.Canvas `json:"canvases"`
	}
	resp = api.do(http.MethodGet, "canvases", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Canvases, 1)

	resp = api.do(http.MethodDelete, "canvases/c1", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var errBody service.ErrorBody
	resp = api.do(http.MethodGet, "canvases/c1", nil, &errBody)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errBody.Error.Kind)
}

func TestHTTP_ImportYAMLDocument(t *testing.T) {
	_, api := newAPI(t)

	doc := `
id: imported
name: Imported overlay
blocks:
  - id: A
    type: price_feed
    parameters:
      symbol: BTC
  - id: B
    type: signal_generator
connections:
  - source_block_id: A
    source_port: price
    target_block_id: B
    target_port: value
`
	var created canvas.Canvas
	resp := api.do(http.MethodPost, "canvases", doc, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "imported", created.ID)
	assert.Len(t, created.Blocks, 2)
	assert.Len(t, created.Connections, 1)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	_, api := newAPI(t)
	cfg := canvas.DefaultConfig()
	cfg.MaxBlocks = 1
	resp := api.do(http.MethodPost, "canvases", map[string]any{"id": "c1", "name": "limits", "config": cfg}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	t.Run("parameter violation", func(t *testing.T) {
		var body service.ErrorBody
		resp := api.do(http.MethodPost, "canvases/c1/blocks", canvas.BlockSpec{
			ID: "A", Type: "price_feed", Parameters: map[string]any{"symbol": "lower"},
		}, &body)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "parameter_validation", body.Error.Kind)
		assert.Equal(t, "A", body.Error.BlockID)
		assert.NotEmpty(t, body.Error.Violations)
	})

	t.Run("constraint violation", func(t *testing.T) {
		resp := api.do(http.MethodPost, "canvases/c1/blocks", canvas.BlockSpec{ID: "B", Type: "threshold_filter"}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var body service.ErrorBody
		resp = api.do(http.MethodPost, "canvases/c1/blocks", canvas.BlockSpec{ID: "C", Type: "threshold_filter"}, &body)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "constraint_violation", body.Error.Kind)
		assert.NotEmpty(t, body.Error.Suggestions)
	})

	t.Run("unknown field", func(t *testing.T) {
		resp := api.do(http.MethodPost, "canvases/c1/blocks", `{"type":"price_feed","colour":"red"}`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := api.do(http.MethodPost, "canvases/c1/connections", `{`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown canvas", func(t *testing.T) {
		resp := api.do(http.MethodPost, "canvases/nope/validate", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("duplicate canvas", func(t *testing.T) {
		resp := api.do(http.MethodPost, "canvases", map[string]any{"id": "c1", "name": "again"}, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("unknown simulation", func(t *testing.T) {
		resp := api.do(http.MethodGet, "simulations/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHTTP_ListBlocksByCategory(t *testing.T) {
	_, api := newAPI(t)

	var all struct {
		Blocks []map[string]any `json:"blocks"`
	}
	resp := api.do(http.MethodGet, "blocks", nil, &all)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, all.Blocks)

	var sources struct {
		Blocks []map[string]any `json:"blocks"`
	}
	resp = api.do(http.MethodGet, "blocks?category=data_source", nil, &sources)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, sources.Blocks)
	assert.Less(t, len(sources.Blocks), len(all.Blocks))
	for _, b := range sources.Blocks {
		assert.Equal(t, "data_source", b["category"])
	}
}

func TestHTTP_Simulate(t *testing.T) {
	f, api := newAPI(t)
	f.chain(t, "c1")
	req := hours("c1", 8)

	var res simulation.Result
	resp := api.do(http.MethodPost, "simulations", req, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, simulation.StatusCompleted, res.Status)
	assert.Len(t, res.Results.Signals, 8)

	var queued simulation.Result
	resp = api.do(http.MethodPost, "simulations?async=true", req, &queued)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, simulation.StatusPending, queued.Status)
	assert.Equal(t, prefix+"simulations/"+queued.ID, resp.Header.Get("Location"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := f.engine.Wait(ctx, queued.ID)
	require.NoError(t, err)

	var final simulation.Result
	resp = api.do(http.MethodGet, "simulations/"+queued.ID, nil, &final)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, simulation.StatusCompleted, final.Status)

	// Cancelling a finished job leaves it completed.
	resp = api.do(http.MethodDelete, "simulations/"+queued.ID, nil, &final)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, simulation.StatusCompleted, final.Status)
}

func TestHTTP_SimulateInvalidRequest(t *testing.T) {
	f, api := newAPI(t)
	f.chain(t, "c1")

	req := hours("c1", 1)
	req.TimeRange.End = req.TimeRange.Start
	resp := api.do(http.MethodPost, "simulations", req, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_Health(t *testing.T) {
	_, api := newAPI(t)

	var body struct {
		Status struct {
			Status      string `json:"status"`
			SubStatuses []struct {
				Component string `json:"component"`
			} `json:"sub_statuses"`
		} `json:"status"`
		Uptime string `json:"uptime"`
	}
	resp := api.do(http.MethodGet, "health", nil, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body.Status.Status)
	assert.Len(t, body.Status.SubStatuses, 2)
	assert.NotEmpty(t, body.Uptime)
}

func TestHTTP_RecordsMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	_, api := newAPI(t, service.WithMetrics(registry.CoreMetrics()))

	api.do(http.MethodGet, "blocks", nil, nil)
	api.do(http.MethodGet, "canvases/nope", nil, nil)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	var requests float64
	for _, mf := range families {
		if mf.GetName() != "overlay_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			requests += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(2), requests)
}
