package stream_test

import (
	"bufio"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armguard/internal/pipeline"
	"armguard/internal/stream"
)

func newServer(v *stream.LiveView) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream/{id}", v.ServeMJPEG)
	mux.HandleFunc("GET /snapshot/{id}", v.ServeSnapshot)
	return httptest.NewServer(mux)
}

func TestSnapshot(t *testing.T) {
	v := stream.NewLiveView(time.Minute, zerolog.Nop())
	srv := newServer(v)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/snapshot/cam-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	v.OnFrame(&pipeline.FrameData{CameraID: "cam-1", Seq: 4, Data: []byte("jpeg-4"), Timestamp: time.Now()})

	resp, err = http.Get(srv.URL + "/snapshot/cam-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "4", resp.Header.Get("X-Frame-Seq"))
	assert.Equal(t, "jpeg-4", string(body))
}

func TestSnapshotIgnoresStaleFrames(t *testing.T) {
	v := stream.NewLiveView(time.Second, zerolog.Nop())
	v.OnFrame(&pipeline.FrameData{CameraID: "cam-1", Data: []byte("old"), Timestamp: time.Now().Add(-time.Minute)})

	_, ok := v.Latest("cam-1")
	assert.False(t, ok)
}

func TestMJPEGStream(t *testing.T) {
	v := stream.NewLiveView(0, zerolog.Nop())
	v.OnFrame(&pipeline.FrameData{CameraID: "cam-1", Data: []byte("first"), Timestamp: time.Now()})

	srv := newServer(v)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream/cam-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return v.Clients("cam-1") == 1 }, time.Second, 5*time.Millisecond)
	v.OnFrame(&pipeline.FrameData{CameraID: "cam-2", Data: []byte("other"), Timestamp: time.Now()})
	v.OnFrame(&pipeline.FrameData{CameraID: "cam-1", Data: []byte("second"), Timestamp: time.Now()})
	v.OnFrame(&pipeline.FrameData{CameraID: "cam-1", Data: []byte("third"), Timestamp: time.Now()})

	// a part is complete once the next boundary arrives
	reader := multipart.NewReader(bufio.NewReader(resp.Body), "frame")
	for _, want := range []string{"first", "second"} {
		part, err := reader.NextPart()
		require.NoError(t, err)
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}
