package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/sceneflow/internal/clock/fake"
	"github.com/JakeFAU/sceneflow/internal/fakeapi"
	"github.com/JakeFAU/sceneflow/internal/pipeline"
	"github.com/JakeFAU/sceneflow/internal/scene"
	"github.com/JakeFAU/sceneflow/internal/transport"
)

const polygon = `{"type":"Polygon","coordinates":[[[30.0,10.0],[40.0,40.0],[20.0,40.0],[10.0,20.0],[30.0,10.0]]]}`

const twoScenes = `{"results":[
	{"sceneId":"A","cloudCover":0.5,"bands":[{"gsd":1.0}]},
	{"sceneId":"B","cloudCover":0.1,"bands":[{"gsd":0.5}]}
]}`

type fakeIDGen struct{ id string }

func (f fakeIDGen) NewID() (string, error) { return f.id, nil }

// fakeGetter returns a canned result and records payloads.
type fakeGetter struct {
	mu       sync.Mutex
	result   string
	err      error
	payloads []any
	block    bool
}

func (g *fakeGetter) GetData(ctx context.Context, payload any) (json.RawMessage, error) {
	g.mu.Lock()
	g.payloads = append(g.payloads, payload)
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	return json.RawMessage(g.result), nil
}

func (g *fakeGetter) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payloads)
}

func newOrchestrator(search, imagery, cars DataGetter, cfg Config) *Orchestrator {
	clk := fake.New(time.Date(2024, 5, 20, 15, 4, 5, 0, time.UTC))
	return New(search, imagery, cars, clk, fakeIDGen{id: "run-1"}, cfg, zap.NewNop())
}

func TestOrchestrator_Run_ChainsSelectedScene(t *testing.T) {
	t.Parallel()

	for _, parallel := range []bool{false, true} {
		search := &fakeGetter{result: twoScenes}
		imagery := &fakeGetter{result: `{"imagery":"map"}`}
		cars := &fakeGetter{result: `{"cars":"map"}`}
		o := newOrchestrator(search, imagery, cars, Config{ParallelReleases: parallel})

		res, err := o.Run(context.Background(), json.RawMessage(polygon))
		require.NoError(t, err)
		require.Equal(t, "run-1", res.RunID)
		require.True(t, res.Selected)
		require.Equal(t, "B", res.Scene.SceneID)
		require.JSONEq(t, `{"imagery":"map"}`, string(res.Imagery.Data))
		require.JSONEq(t, `{"cars":"map"}`, string(res.Cars.Data))

		sp, ok := search.payloads[0].(SearchRequest)
		require.True(t, ok)
		require.Equal(t, DefaultProvider, sp.Provider)
		require.Equal(t, DefaultDataset, sp.Dataset)
		require.Equal(t, "2024-02-20 00:00:00", sp.StartDatetime)
		require.JSONEq(t, polygon, string(sp.Extent))

		for _, g := range []*fakeGetter{imagery, cars} {
			rp, ok := g.payloads[0].(ReleaseRequest)
			require.True(t, ok)
			require.Equal(t, "B", rp.SceneID)
			require.JSONEq(t, polygon, string(rp.Extent))
		}
	}
}

func TestOrchestrator_Run_SearchFailureAbortsBeforeReleases(t *testing.T) {
	t.Parallel()

	boom := &pipeline.FailedError{Family: "search", PipelineID: "p-1"}
	search := &fakeGetter{err: boom}
	imagery := &fakeGetter{result: `{}`}
	cars := &fakeGetter{result: `{}`}

	_, err := newOrchestrator(search, imagery, cars, Config{}).Run(context.Background(), json.RawMessage(polygon))
	var failed *pipeline.FailedError
	require.ErrorAs(t, err, &failed)
	require.Zero(t, imagery.calls())
	require.Zero(t, cars.calls())
}

func TestOrchestrator_Run_NoScenesAbortsBeforeReleases(t *testing.T) {
	t.Parallel()

	search := &fakeGetter{result: `{"results":[]}`}
	imagery := &fakeGetter{result: `{}`}
	cars := &fakeGetter{result: `{}`}

	res, err := newOrchestrator(search, imagery, cars, Config{}).Run(context.Background(), json.RawMessage(polygon))
	require.ErrorIs(t, err, scene.ErrNoScenesAvailable)
	require.False(t, res.Selected)
	require.Zero(t, imagery.calls())
	require.Zero(t, cars.calls())
}

func TestOrchestrator_Run_SceneWithoutIDIsStillSelected(t *testing.T) {
	t.Parallel()

	search := &fakeGetter{result: `{"results":[{"cloudCover":0.1,"bands":[{"gsd":0.5}]}]}`}
	imagery := &fakeGetter{result: `{"imagery":"map"}`}
	cars := &fakeGetter{result: `{"cars":"map"}`}

	res, err := newOrchestrator(search, imagery, cars, Config{}).Run(context.Background(), json.RawMessage(polygon))
	require.NoError(t, err)
	require.True(t, res.Selected)
	require.Empty(t, res.Scene.SceneID)
	require.Equal(t, 1, imagery.calls())
	require.Equal(t, 1, cars.calls())
	require.JSONEq(t, `{"cars":"map"}`, string(res.Cars.Data))
}

func TestOrchestrator_Run_ReportsPartialSuccess(t *testing.T) {
	t.Parallel()

	for _, parallel := range []bool{false, true} {
		search := &fakeGetter{result: twoScenes}
		imagery := &fakeGetter{err: &pipeline.FailedError{Family: "imagery", PipelineID: "p-img"}}
		cars := &fakeGetter{result: `{"cars":1}`}

		res, err := newOrchestrator(search, imagery, cars, Config{ParallelReleases: parallel}).
			Run(context.Background(), json.RawMessage(polygon))
		require.Error(t, err)
		var failed *pipeline.FailedError
		require.ErrorAs(t, err, &failed)
		require.Equal(t, "p-img", failed.PipelineID)
		require.False(t, res.Imagery.OK())
		require.True(t, res.Cars.OK())
		require.JSONEq(t, `{"cars":1}`, string(res.Cars.Data))
	}
}

func TestOrchestrator_Run_AuthenticationErrorSkipsCarsWhenSequential(t *testing.T) {
	t.Parallel()

	search := &fakeGetter{result: twoScenes}
	imagery := &fakeGetter{err: &transport.AuthenticationError{URL: "x", StatusCode: http.StatusUnauthorized}}
	cars := &fakeGetter{result: `{}`}

	res, err := newOrchestrator(search, imagery, cars, Config{}).Run(context.Background(), json.RawMessage(polygon))
	var authErr *transport.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.ErrorIs(t, res.Cars.Err, ErrSkipped)
	require.Zero(t, cars.calls())
}

func TestOrchestrator_Run_AuthenticationErrorCancelsParallelSibling(t *testing.T) {
	t.Parallel()

	search := &fakeGetter{result: twoScenes}
	imagery := &fakeGetter{err: &transport.AuthenticationError{URL: "x", StatusCode: http.StatusUnauthorized}}
	cars := &fakeGetter{block: true}

	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = newOrchestrator(search, imagery, cars, Config{ParallelReleases: true}).
			Run(context.Background(), json.RawMessage(polygon))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("parallel release did not stop after authentication failure")
	}
	var authErr *transport.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.ErrorIs(t, res.Cars.Err, context.Canceled)
}

func TestOrchestrator_Run_BothReleasesFail(t *testing.T) {
	t.Parallel()

	search := &fakeGetter{result: twoScenes}
	imgErr := errors.New("imagery broke")
	carErr := errors.New("cars broke")
	imagery := &fakeGetter{err: imgErr}
	cars := &fakeGetter{err: carErr}

	_, err := newOrchestrator(search, imagery, cars, Config{}).Run(context.Background(), json.RawMessage(polygon))
	require.ErrorIs(t, err, imgErr)
	require.ErrorIs(t, err, carErr)
}

// TestOrchestrator_EndToEnd drives real pipeline clients against the fake remote API.
func TestOrchestrator_EndToEnd(t *testing.T) {
	t.Parallel()

	api := fakeapi.New("jwt").
		Script(fakeapi.SearchPath, fakeapi.Script{
			Statuses: []string{"NEW", "PROCESSING", "RESOLVED"},
			NextTry:  4,
			Result:   twoScenes,
		}).
		Script(fakeapi.ImageryPath, fakeapi.Script{Statuses: []string{"RESOLVED"}, NextTry: 1, Result: `{"tiles":["t1"]}`}).
		Script(fakeapi.CarsPath, fakeapi.Script{Statuses: []string{"PROCESSING", "RESOLVED"}, NextTry: 2, Result: `{"cars":42}`})
	srv := api.Start()
	t.Cleanup(srv.Close)

	res, err := buildEndToEnd(srv.URL, "jwt", srv.Client()).Run(context.Background(), json.RawMessage(polygon))
	require.NoError(t, err)
	require.Equal(t, "B", res.Scene.SceneID)
	require.JSONEq(t, `{"tiles":["t1"]}`, string(res.Imagery.Data))
	require.JSONEq(t, `{"cars":42}`, string(res.Cars.Data))

	require.Len(t, api.Requests(fakeapi.SearchPath+"/initiate"), 1)
	require.Len(t, api.Requests(fakeapi.SearchPath+"/retrieve"), 1)
	// Three search polls, one imagery poll, two cars polls.
	require.Len(t, api.Requests(fakeapi.StatusPath), 6)

	for _, path := range []string{fakeapi.ImageryPath, fakeapi.CarsPath} {
		bodies := api.Requests(path + "/initiate")
		require.Len(t, bodies, 1)
		var rel ReleaseRequest
		require.NoError(t, json.Unmarshal(bodies[0], &rel))
		require.Equal(t, "B", rel.SceneID)
		require.JSONEq(t, polygon, string(rel.Extent))
	}
}

func TestOrchestrator_EndToEnd_BadTokenAbortsAtSearch(t *testing.T) {
	t.Parallel()

	api := fakeapi.New("jwt").
		Script(fakeapi.SearchPath, fakeapi.Script{Result: twoScenes}).
		Script(fakeapi.ImageryPath, fakeapi.Script{Result: `{}`}).
		Script(fakeapi.CarsPath, fakeapi.Script{Result: `{}`})
	srv := api.Start()
	t.Cleanup(srv.Close)

	_, err := buildEndToEnd(srv.URL, "", srv.Client()).Run(context.Background(), json.RawMessage(polygon))
	var authErr *transport.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Empty(t, api.Requests(fakeapi.StatusPath))
	require.Empty(t, api.Requests(fakeapi.ImageryPath+"/initiate"))
	require.Empty(t, api.Requests(fakeapi.CarsPath+"/initiate"))
}

func buildEndToEnd(base, token string, httpClient *http.Client) *Orchestrator {
	clk := fake.New(time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC))
	tc := transport.New(httpClient, transport.NewCredential(token), nil, transport.Config{}, zap.NewNop())
	client := func(family, path string) *pipeline.Client {
		return pipeline.New(tc, clk, nil, pipeline.Config{
			Family:         family,
			Endpoint:       base + path,
			StatusEndpoint: base + fakeapi.StatusPath,
			MaxWait:        time.Hour,
		}, zap.NewNop())
	}
	return New(
		client("search", fakeapi.SearchPath),
		client("imagery", fakeapi.ImageryPath),
		client("cars", fakeapi.CarsPath),
		clk,
		fakeIDGen{id: "run-e2e"},
		Config{},
		zap.NewNop(),
	)
}

func TestSearchPayload_Defaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 31, 23, 59, 0, 0, time.UTC)
	p := SearchPayload(json.RawMessage(`{}`), now, 0, "", "")
	require.Equal(t, "2024-01-01 00:00:00", p.StartDatetime)
	require.Equal(t, "gbdx", p.Provider)
	require.Equal(t, "idaho-pansharpened", p.Dataset)

	custom := SearchPayload(json.RawMessage(`{}`), now, 24*time.Hour, "maxar", "wv3")
	require.Equal(t, "2024-03-30 00:00:00", custom.StartDatetime)
	require.Equal(t, "maxar", custom.Provider)
	require.Equal(t, "wv3", custom.Dataset)

	data, err := json.Marshal(ReleasePayload(json.RawMessage(polygon), "B"))
	require.NoError(t, err)
	require.JSONEq(t, `{"sceneId":"B","extent":`+polygon+`}`, string(data))
}

func TestOrchestrator_Run_RecordsWorkflowSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	search := &fakeGetter{result: `{"results":[]}`}
	o := newOrchestrator(search, &fakeGetter{}, &fakeGetter{}, Config{TracerProvider: tp})
	_, err := o.Run(context.Background(), json.RawMessage(polygon))
	require.ErrorIs(t, err, scene.ErrNoScenesAvailable)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "workflow.run", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
}
