package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

type fakeApp struct {
	ran       bool
	runErr    error
	harvested int
	result    harvest.JobResult
	harvErr   error
	closed    int
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

func (f *fakeApp) HarvestOnce(_ context.Context, jobID int) (harvest.JobResult, error) {
	f.harvested = jobID
	return f.result, f.harvErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

// withFakeApp swaps the application factory. Tests using it must not run in
// parallel.
func withFakeApp(t *testing.T, app *fakeApp) *string {
	t.Helper()
	var gotConfig string
	orig := newApp
	newApp = func(_ context.Context, cfgFile string) (App, error) {
		gotConfig = cfgFile
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &gotConfig
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsAndClosesApp(t *testing.T) {
	app := &fakeApp{}
	cfg := withFakeApp(t, app)

	_, err := execute(t, "--config", "/etc/harvester.yaml", "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
	require.Equal(t, 1, app.closed)
	require.Equal(t, "/etc/harvester.yaml", *cfg)
}

func TestServeIgnoresCancellation(t *testing.T) {
	app := &fakeApp{runErr: context.Canceled}
	withFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
}

func TestServePropagatesErrors(t *testing.T) {
	app := &fakeApp{runErr: errors.New("bind: address in use")}
	withFakeApp(t, app)

	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "address in use")
	require.Equal(t, 1, app.closed)
}

func TestHarvestPrintsResult(t *testing.T) {
	app := &fakeApp{result: harvest.JobResult{JobID: 7, RecordCount: 12, DeletedRecordCount: 2}}
	withFakeApp(t, app)

	out, err := execute(t, "harvest", "--job", "7")
	require.NoError(t, err)
	require.Equal(t, 7, app.harvested)
	require.Contains(t, out, `"recordCount": 12`)
	require.Contains(t, out, `"deletedRecordCount": 2`)
	require.Equal(t, 1, app.closed)
}

func TestHarvestRequiresJob(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute(t, "harvest")
	require.ErrorContains(t, err, "--job")
	require.Zero(t, app.harvested)
}

func TestHarvestFailure(t *testing.T) {
	app := &fakeApp{harvErr: harvest.E(harvest.KindFetch, "list records", errors.New("timeout"))}
	withFakeApp(t, app)

	_, err := execute(t, "harvest", "--job", "3")
	require.True(t, harvest.IsKind(err, harvest.KindFetch))
	require.Equal(t, 1, app.closed)
}

func TestDecadesSkipsAppConstruction(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) {
		return nil, errors.New("should not build")
	}
	t.Cleanup(func() { newApp = orig })

	out, err := execute(t, "decades", "c1904", "1973-08")
	require.NoError(t, err)
	require.Equal(t, "1900\n1970\n", out)
}

func TestAppFactoryErrorsSurface(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) {
		return nil, errors.New("bad config")
	}
	t.Cleanup(func() { newApp = orig })

	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "bad config")
}
