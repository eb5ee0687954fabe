package progress_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MegaGrindStone/browser-mcp/pkg/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker(t *testing.T) {
	n := progress.NewNotifier()
	c := &collector{}
	n.Subscribe("nav", c.handle)

	tr := n.CreateTracker("nav")
	assert.Equal(t, progress.Token("nav"), tr.Token())

	tr.Start(4, "navigating")
	tr.Step("resolving")
	tr.Step("")
	tr.SetProgress(3, "rendering")
	tr.Complete("loaded")

	updates := c.all()
	require.Len(t, updates, 5)
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, c.progressValues())
	for _, u := range updates {
		assert.Equal(t, float64(4), u.Total)
	}
	assert.Equal(t, "resolving", updates[2].Message, "empty step message keeps the previous one")
	assert.Equal(t, "loaded", updates[4].Message)
	assert.True(t, updates[4].Final)
	assert.Empty(t, n.ActiveOperations())
}

func TestTrackerSetPercentage(t *testing.T) {
	n := progress.NewNotifier()
	tr := n.CreateTracker("t1")

	tr.Start(10, "")
	tr.SetPercentage(55, "halfway")

	got, ok := n.GetProgress("t1")
	require.True(t, ok)
	assert.Equal(t, float64(55), got.Progress)
	assert.Equal(t, float64(100), got.Total)
	assert.Equal(t, "halfway", got.Message)
}

func TestTrackerFail(t *testing.T) {
	n := progress.NewNotifier()
	c := &collector{}
	n.Subscribe("t1", c.handle)

	tr := n.CreateTracker("t1")
	tr.Start(0, "")
	tr.Fail(errors.New("captcha unsolved"))

	updates := c.all()
	require.Len(t, updates, 2)
	assert.Equal(t, float64(100), updates[0].Total)
	assert.True(t, updates[1].Failed())
	assert.Equal(t, "captcha unsolved", updates[1].Message)
}

func TestTrackerWithoutToken(t *testing.T) {
	n := progress.NewNotifier()
	c := &collector{}
	n.SubscribeAll(c.handle)

	var nilTracker *progress.Tracker
	for _, tr := range []*progress.Tracker{n.CreateTracker(""), nilTracker} {
		assert.NotPanics(t, func() {
			tr.Start(3, "")
			tr.Step("")
			tr.SetProgress(2, "")
			tr.SetPercentage(50, "")
			tr.Complete("")
			tr.Fail(errors.New("x"))
		})
	}
	assert.Empty(t, c.all())
}

func TestRun(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		n := progress.NewNotifier()
		c := &collector{}
		n.Subscribe("t1", c.handle)

		err := progress.Run(context.Background(), n, "t1", "working", func(_ context.Context, tr *progress.Tracker) error {
			tr.SetPercentage(50, "")
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, []float64{0, 50, 100}, c.progressValues())
		assert.Empty(t, n.ActiveOperations())
	})

	t.Run("failure", func(t *testing.T) {
		n := progress.NewNotifier()
		c := &collector{}
		n.Subscribe("t1", c.handle)
		wantErr := errors.New("boom")

		err := progress.Run(context.Background(), n, "t1", "", func(context.Context, *progress.Tracker) error {
			return wantErr
		})

		require.ErrorIs(t, err, wantErr)
		assert.Equal(t, []float64{0, -1}, c.progressValues())
		assert.Equal(t, "boom", c.all()[1].Message)
	})

	t.Run("panic", func(t *testing.T) {
		n := progress.NewNotifier()
		c := &collector{}
		n.Subscribe("t1", c.handle)

		assert.PanicsWithValue(t, "kaboom", func() {
			_ = progress.Run(context.Background(), n, "t1", "", func(context.Context, *progress.Tracker) error {
				panic("kaboom")
			})
		})
		assert.Equal(t, []float64{0, -1}, c.progressValues())
		assert.Empty(t, n.ActiveOperations())
	})
}

func TestRunValue(t *testing.T) {
	n := progress.NewNotifier()

	title, err := progress.RunValue(context.Background(), n, "t1", "", func(context.Context, *progress.Tracker) (string, error) {
		return "Example Domain", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", title)

	// Without a token the operation still runs and nothing is reported.
	count, err := progress.RunValue(context.Background(), n, "", "", func(_ context.Context, tr *progress.Tracker) (int, error) {
		tr.Step("ignored")
		return 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Empty(t, n.ActiveOperations())
}
