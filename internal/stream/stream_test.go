package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSSEWriterSetsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame([]byte(`{"delta":"hi"}`)))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "data: {\"delta\":\"hi\"}\n\n")
}

func TestWriteFrameAppendsEachEventSeparately(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame([]byte("first")))
	require.NoError(t, w.WriteFrame([]byte("second")))

	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "data: "))
	assert.Less(t, strings.Index(body, "first"), strings.Index(body, "second"))
}

func TestCloseIsNoopWithoutAnyFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)
	w.Close()
	assert.Empty(t, rec.Body.String())
}

func TestCloseWritesTrailingCommentAfterAFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame([]byte("x")))
	w.Close()
	assert.Contains(t, rec.Body.String(), ": end\n\n")
}

// nonFlushingWriter implements http.ResponseWriter but deliberately omits
// Flush, so NewSSEWriter's http.Flusher assertion must fail on it.
type nonFlushingWriter struct {
	header http.Header
}

func (n *nonFlushingWriter) Header() http.Header        { return n.header }
func (n *nonFlushingWriter) Write(b []byte) (int, error) { return len(b), nil }
func (n *nonFlushingWriter) WriteHeader(int)             {}

func TestNewSSEWriterRejectsNonFlushingResponseWriter(t *testing.T) {
	_, err := NewSSEWriter(&nonFlushingWriter{header: http.Header{}})
	assert.Error(t, err)
}
