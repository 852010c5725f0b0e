package testutil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertStatusCode_Matching(t *testing.T) {
	fakeT := &testing.T{}
	AssertStatusCode(fakeT, http.StatusOK, http.StatusOK)
	if fakeT.Failed() {
		t.Error("expected no failure for matching status codes")
	}
}

func TestFrameSource(t *testing.T) {
	t.Parallel()
	src := &FrameSource{Count: 3, FPS: 25}
	for i := 0; i < 3; i++ {
		f, err := src.Next()
		require.NoError(t, err)
		assert.Equal(t, i, f.Index)
		assert.InDelta(t, float64(i)/25, f.Timestamp, 1e-12)
		assert.Equal(t, "36,64,3", f.Shape())
	}
	_, err := src.Next()
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, src.Close())
	assert.True(t, src.Closed())

	boom := errors.New("corrupt")
	failing := &FrameSource{Count: 3, FailAt: 1, Err: boom}
	_, err = failing.Next()
	require.NoError(t, err)
	_, err = failing.Next()
	assert.ErrorIs(t, err, boom)
}

func TestDecoder_FramesByName(t *testing.T) {
	t.Parallel()
	d := &Decoder{Frames: map[string]int{"output0001.mp4": 5}, Default: 2}

	count := func(path string) int {
		fr, err := d.Open(context.Background(), path)
		require.NoError(t, err)
		n := 0
		for {
			if _, err := fr.Next(); err != nil {
				break
			}
			n++
		}
		return n
	}
	assert.Equal(t, 5, count("/tmp/x/output0001.mp4"))
	assert.Equal(t, 2, count("/tmp/x/output0000.mp4"))
	assert.Len(t, d.Opened, 2)
}

func TestDecoder_CloseErr(t *testing.T) {
	t.Parallel()
	exit := errors.New("exit status 1")
	d := &Decoder{Default: 1, CloseErr: exit}

	fr, err := d.Open(context.Background(), "output0000.mp4")
	require.NoError(t, err)
	_, err = fr.Next()
	require.NoError(t, err)
	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, fr.Close(), exit)
}

func TestDetector_Script(t *testing.T) {
	t.Parallel()
	d := &Detector{Script: MovingBoxExcept(1)}
	src := &FrameSource{Count: 2}

	f0, _ := src.Next()
	det, err := d.Detect(context.Background(), "r", f0)
	require.NoError(t, err)
	require.NoError(t, det.Validate())
	assert.Equal(t, 1, det.Len())
	assert.Equal(t, []float64{50, 100, 90, 130}, det.Boxes[0])

	f1, _ := src.Next()
	det, err = d.Detect(context.Background(), "r", f1)
	require.NoError(t, err)
	require.NoError(t, det.Validate())
	assert.Equal(t, 0, det.Len())
	assert.Equal(t, 2, d.Calls())
}
