package service_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmotive/overlay/metric"
	"github.com/stackmotive/overlay/service"
	"github.com/stackmotive/overlay/simulation"
)

func streamURL(api *apiClient, id string) string {
	return "ws" + strings.TrimPrefix(api.server.URL, "http") + prefix + "simulations/" + id + "/stream"
}

func readUntilFinal(t *testing.T, conn *websocket.Conn) []service.StreamMessage {
	t.Helper()
	var msgs []service.StreamMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var msg service.StreamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		msgs = append(msgs, msg)
		if msg.Type == "final" {
			return msgs
		}
	}
}

func TestStream_PushesUntilFinal(t *testing.T) {
	// Metrics wrap the handler, so the upgrade goes through the recorder.
	f, api := newAPI(t, service.WithMetrics(metric.NewMetricsRegistry().CoreMetrics()))
	f.chain(t, "c1")

	res, err := f.overlay.SubmitSimulation(context.Background(), hours("c1", 24))
	require.NoError(t, err)

	conn, resp, err := websocket.DefaultDialer.Dial(streamURL(api, res.ID), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	msgs := readUntilFinal(t, conn)
	last := msgs[len(msgs)-1]
	require.NotNil(t, last.Result)
	assert.Equal(t, res.ID, last.Result.ID)
	assert.Equal(t, simulation.StatusCompleted, last.Result.Status)
	assert.Len(t, last.Result.Results.Signals, 24)
	assert.Equal(t, simulation.StatusCompleted, last.Progress.Status)
	assert.Equal(t, 24, last.Progress.Signals)
	assert.Equal(t, 24, last.Progress.Metrics.Steps)
	for _, m := range msgs[:len(msgs)-1] {
		assert.Equal(t, "status", m.Type)
		assert.Equal(t, res.ID, m.Progress.ID)
		assert.False(t, m.Progress.Status.Terminal())
		assert.Nil(t, m.Result)
	}

	// The server closes normally after the final frame.
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStream_FinishedJobSendsFinalImmediately(t *testing.T) {
	f, api := newAPI(t)
	f.chain(t, "c1")

	res, err := f.overlay.SimulateOverlay(context.Background(), hours("c1", 2))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(streamURL(api, res.ID), nil)
	require.NoError(t, err)
	defer conn.Close()

	msgs := readUntilFinal(t, conn)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Result)
	assert.Equal(t, simulation.StatusCompleted, msgs[0].Result.Status)
	assert.Equal(t, len(msgs[0].Result.Results.Signals), msgs[0].Progress.Signals)
}

func TestStream_UnknownSimulation(t *testing.T) {
	_, api := newAPI(t)

	_, resp, err := websocket.DefaultDialer.Dial(streamURL(api, "nope"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
