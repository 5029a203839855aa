package slicer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	filename string
	file     []byte
	fields   map[string]string
}

// slicerStub records multipart uploads and replies per a small script of
// status codes, one per attempt.
type slicerStub struct {
	t        *testing.T
	statuses []int
	requests []capturedRequest
	rotation http.Header
}

func (s *slicerStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(s.t, r.ParseMultipartForm(32<<20))

		got := capturedRequest{fields: map[string]string{}}
		for k, v := range r.MultipartForm.Value {
			got.fields[k] = v[0]
		}
		if fhs := r.MultipartForm.File["file"]; len(fhs) > 0 {
			got.filename = fhs[0].Filename
			f, err := fhs[0].Open()
			require.NoError(s.t, err)
			got.file, err = io.ReadAll(f)
			require.NoError(s.t, err)
			_ = f.Close()
		}
		s.requests = append(s.requests, got)

		status := http.StatusOK
		if n := len(s.requests) - 1; n < len(s.statuses) {
			status = s.statuses[n]
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"detail":"slicer overloaded"}`))
			return
		}
		for k, vs := range s.rotation {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		_, _ = w.Write([]byte("G28\nG1 X5 Y5\n"))
	}
}

func newStubClient(t *testing.T, stub *slicerStub, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	opts = append([]Option{WithRetryDelay(time.Millisecond)}, opts...)
	return New(srv.URL, opts...)
}

func TestSliceSendsMultipartForm(t *testing.T) {
	stub := &slicerStub{t: t}
	c := newStubClient(t, stub)

	gcode, err := c.Slice(context.Background(), []byte("solid part"), "part.stl", "job-42")
	require.NoError(t, err)
	assert.Equal(t, "G28\nG1 X5 Y5\n", string(gcode))

	require.Len(t, stub.requests, 1)
	req := stub.requests[0]
	assert.Equal(t, "part.stl", req.filename)
	assert.Equal(t, []byte("solid part"), req.file)
	assert.Equal(t, "job-42", req.fields["custom_profile"])
}

func TestRetryOnServerError(t *testing.T) {
	stub := &slicerStub{t: t, statuses: []int{http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK}}
	c := newStubClient(t, stub)

	_, err := c.Slice(context.Background(), []byte("mesh"), "a.stl", "job-1")
	require.NoError(t, err)
	assert.Len(t, stub.requests, 3)
}

func TestRetriesExhausted(t *testing.T) {
	stub := &slicerStub{t: t, statuses: []int{500, 500}}
	c := newStubClient(t, stub, WithMaxRetries(2))

	_, err := c.Slice(context.Background(), []byte("mesh"), "a.stl", "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
	assert.Len(t, stub.requests, 2)
}

func TestClientErrorIsPermanent(t *testing.T) {
	stub := &slicerStub{t: t, statuses: []int{http.StatusBadRequest}}
	c := newStubClient(t, stub)

	_, err := c.Slice(context.Background(), []byte("mesh"), "bad.stl", "job-1")
	require.Error(t, err)

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, http.StatusBadRequest, perm.StatusCode)
	assert.Equal(t, "slicer overloaded", perm.Detail)
	assert.Len(t, stub.requests, 1, "4xx must not be retried")
}

func TestAutoRotateDecodesMetadata(t *testing.T) {
	degrees, _ := json.Marshal([]float64{0, 90, 0})
	stub := &slicerStub{t: t, rotation: http.Header{
		"X-Rotation-Applied":       {"true"},
		"X-Rotation-Degrees":       {string(degrees)},
		"X-Improvement-Percentage": {"42.5"},
		"X-Contact-Area":           {"118.7"},
		"X-Original-Area":          {"83.2"},
	}}
	c := newStubClient(t, stub)

	body, meta, err := c.AutoRotateUpload(context.Background(), []byte("mesh"), "part.stl", RotateParams{
		Method:               "gradient",
		ImprovementThreshold: 5,
		MaxIterations:        50,
		LearningRate:         0.1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, body)

	require.NotNil(t, meta)
	assert.True(t, meta.Applied)
	assert.Equal(t, [3]float64{0, 90, 0}, meta.Degrees)
	assert.InDelta(t, 42.5, meta.ImprovementPct, 1e-9)
	assert.InDelta(t, 118.7, meta.ContactArea, 1e-9)
	assert.InDelta(t, 83.2, meta.OriginalArea, 1e-9)

	req := stub.requests[0]
	assert.Equal(t, "gradient", req.fields["method"])
	assert.Equal(t, "5", req.fields["improvement_threshold"])
	assert.Equal(t, "50", req.fields["max_iterations"])
	assert.Equal(t, "0.1", req.fields["learning_rate"])
}

func TestAutoRotateWithoutMetadataHeaders(t *testing.T) {
	stub := &slicerStub{t: t}
	c := newStubClient(t, stub)

	_, meta, err := c.AutoRotateUpload(context.Background(), []byte("mesh"), "part.stl", RotateParams{})
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Equal(t, "auto", stub.requests[0].fields["method"], "method defaults when unset")
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	stub := &slicerStub{t: t, statuses: []int{500, 500, 500}}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	c := New(srv.URL, WithRetryDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Slice(ctx, []byte("mesh"), "a.stl", "job-1")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("slice call did not observe cancellation")
	}
}

func TestErrorDetailFallsBackToPlainText(t *testing.T) {
	assert.Equal(t, "boom", errorDetail([]byte("boom")))
	assert.Equal(t, "oops", errorDetail([]byte(`{"detail":"oops"}`)))
}
