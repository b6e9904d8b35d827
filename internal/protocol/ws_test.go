package protocol

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func startWebSocketHost(t *testing.T, m *metrics.Metrics) string {
	t.Helper()

	server := httptest.NewServer(WebSocketHandler(func() *Host { return newTestHost() }, nil, m))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketTransportPairsResponses(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	url := startWebSocketHost(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, url, nil)
	require.NoError(t, err)

	conn.Requests() <- Load{EngineID: "e1"}
	conn.Requests() <- Transcribe{RequestID: "p1", Kind: KindPartial, Audio: pcm(800)}
	conn.Requests() <- Transcribe{RequestID: "f1", Kind: KindFinal, Audio: pcm(48000)}

	closed := make(chan error, 1)
	go func() { closed <- conn.Close() }()

	var responses []Response
	for resp := range conn.Responses() {
		responses = append(responses, resp)
	}
	require.NoError(t, <-closed)

	require.Equal(t, []Response{
		Progress{EngineID: "e1", Fraction: 0.5},
		Progress{EngineID: "e1", Fraction: 1},
		Ready{EngineID: "e1", Backend: engine.KindAccelerated},
		Partial{EngineID: "e1", RequestID: "p1", Text: "len:800"},
		Result{EngineID: "e1", RequestID: "f1", Kind: KindFinal, Text: "len:48000"},
	}, responses)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Loads.WithLabelValues("accelerated", metrics.OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TranscribeRequests.WithLabelValues("final", metrics.OutcomeOK)))
}

func TestWebSocketTransportRejectsNotReady(t *testing.T) {
	t.Parallel()

	url := startWebSocketHost(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, url, nil)
	require.NoError(t, err)
	conn.Requests() <- Transcribe{RequestID: "r1", Kind: KindFinal, Audio: pcm(10)}

	select {
	case resp := <-conn.Responses():
		errResp, ok := resp.(Error)
		require.True(t, ok)
		require.Equal(t, "r1", errResp.RequestID)
		require.Equal(t, CodeNotReady, errResp.Code)
	case <-ctx.Done():
		t.Fatal("no response from remote host")
	}

	go func() {
		for range conn.Responses() {
		}
	}()
	require.NoError(t, conn.Close())
}

func TestWebSocketTransportAnswersUnencodableRequest(t *testing.T) {
	t.Parallel()

	url := startWebSocketHost(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, url, nil)
	require.NoError(t, err)

	conn.Requests() <- Load{EngineID: "e1"}
	conn.Requests() <- Transcribe{RequestID: "x1", Kind: Kind("bogus"), Audio: pcm(10)}
	conn.Requests() <- Transcribe{RequestID: "f1", Kind: KindFinal, Audio: pcm(16000)}

	closed := make(chan error, 1)
	go func() { closed <- conn.Close() }()

	var rejected []Error
	var results []Result
	for resp := range conn.Responses() {
		switch r := resp.(type) {
		case Error:
			rejected = append(rejected, r)
		case Result:
			results = append(results, r)
		}
	}
	require.NoError(t, <-closed)

	require.Len(t, rejected, 1)
	require.Equal(t, "e1", rejected[0].EngineID)
	require.Equal(t, "x1", rejected[0].RequestID)
	require.Equal(t, CodeBadRequest, rejected[0].Code)
	require.Contains(t, rejected[0].Message, "bogus")
	require.Equal(t, []Result{{EngineID: "e1", RequestID: "f1", Kind: KindFinal, Text: "len:16000"}}, results)
}

func TestDialFailsWithoutServer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/v1/engine", nil)
	require.Error(t, err)
}
