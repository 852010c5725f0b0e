package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/testutil"
)

func TestJobs_SubmitAndComplete(t *testing.T) {
	p, _ := newTestPipeline(2, &testutil.Decoder{Default: 10}, &testutil.Detector{Script: testutil.MovingBox})
	jobs := NewJobs(p)

	st, err := jobs.Submit(context.Background(), Request{RequestID: "job-1", SourcePath: sourceFile(t)})
	require.NoError(t, err)
	assert.Equal(t, "job-1", st.RequestID)
	assert.Equal(t, Queued, st.State)

	jobs.Wait()
	got, ok := jobs.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, Succeeded, got.State)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, 20, got.Outcome.Records)
	assert.NotNil(t, got.Finished)
	assert.Nil(t, got.Error)
}

func TestJobs_Failure(t *testing.T) {
	p, _ := newTestPipeline(1, &testutil.Decoder{Default: 10}, &testutil.Detector{})
	jobs := NewJobs(p)

	_, err := jobs.Submit(context.Background(), Request{RequestID: "job-2", SourcePath: "/nonexistent/clip.mp4"})
	require.NoError(t, err)
	jobs.Wait()

	got, ok := jobs.Get("job-2")
	require.True(t, ok)
	assert.Equal(t, Failed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, fault.Input, got.Error.Kind)
}

func TestJobs_SubmitValidation(t *testing.T) {
	jobs := NewJobs(&Pipeline{})

	_, err := jobs.Submit(context.Background(), Request{RequestID: "x"})
	assert.True(t, fault.Is(err, fault.Input))

	_, err = jobs.Submit(context.Background(), Request{RequestID: "a/b", SourcePath: "v.mp4"})
	assert.True(t, fault.Is(err, fault.Input))

	_, ok := jobs.Get("missing")
	assert.False(t, ok)
}

func TestJobs_ListAndGeneratedID(t *testing.T) {
	p, _ := newTestPipeline(1, &testutil.Decoder{Default: 3}, &testutil.Detector{})
	jobs := NewJobs(p)

	st, err := jobs.Submit(context.Background(), Request{SourcePath: sourceFile(t)})
	require.NoError(t, err)
	assert.NotEmpty(t, st.RequestID)
	_, err = jobs.Submit(context.Background(), Request{RequestID: "second", SourcePath: sourceFile(t)})
	require.NoError(t, err)
	jobs.Wait()

	list := jobs.List()
	require.Len(t, list, 2)
	ids := []string{list[0].RequestID, list[1].RequestID}
	assert.ElementsMatch(t, []string{st.RequestID, "second"}, ids)
}
