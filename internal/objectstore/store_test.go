package objectstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"callscore/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), Options{})
	require.NoError(t, err)
	return s
}

func TestPutFromURL_UsesContentTypeExtension(t *testing.T) {
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake-mp3-bytes"))
	}))
	defer srv.Close()

	s := newStore(t)
	obj, err := s.PutFromURL(context.Background(), srv.URL+"/rec/abc.wav", AudioKey("org1", "c1", ""), &Credentials{Username: "k", Password: "t"})
	require.NoError(t, err)
	assert.Equal(t, "audio/org1/c1.mp3", obj.Key)
	assert.Equal(t, "mp3", obj.Extension)
	assert.Equal(t, "k", gotUser)
	assert.Equal(t, "t", gotPass)

	ok, err := s.Exists(obj.Key)
	require.NoError(t, err)
	assert.True(t, ok)
	assertNoTemp(t, filepath.Dir(obj.Path))
}

func TestPutFromURL_FallsBackToURLExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("fLaC-ish"))
	}))
	defer srv.Close()

	s := newStore(t)
	obj, err := s.PutFromURL(context.Background(), srv.URL+"/x.flac", "audio/org1/c2", nil)
	require.NoError(t, err)
	assert.Equal(t, "flac", obj.Extension)
}

func TestPutFromURL_Non2xx(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusNotFound, true},
		{http.StatusInternalServerError, true},
		{http.StatusForbidden, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		s := newStore(t)
		_, err := s.PutFromURL(context.Background(), srv.URL+"/a.wav", "audio/o/c", nil)
		srv.Close()

		require.Error(t, err)
		assert.True(t, apperr.HasCode(err, apperr.CodeDownload), "status %d", tc.status)
		assert.Equal(t, tc.retryable, apperr.IsRetryable(err), "status %d", tc.status)

		ok, _ := s.Exists("audio/o/c.wav")
		assert.False(t, ok)
		assertNoTemp(t, filepath.Join(s.Root(), "audio", "o"))
	}
}

func TestPutFromURL_MockHost(t *testing.T) {
	s := newStore(t)
	obj, err := s.PutFromURL(context.Background(), "http://mock/1.wav", AudioKey("org1", "c3", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, "audio/org1/c3.wav", obj.Key)
	data, err := os.ReadFile(obj.Path)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Equal(t, "wav", DetectExtension("", "", data))
}

func TestAbsolutePath_RejectsEscapes(t *testing.T) {
	s := newStore(t)
	for _, key := range []string{"", "/etc/passwd", "../x", "audio/../../x", `a\b`} {
		_, err := s.AbsolutePath(key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
	p, err := s.AbsolutePath("audio/o/c.wav")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "audio", "o", "c.wav"), p)
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	obj, err := s.PutFromURL(context.Background(), "http://mock/x", "audio/o/c", nil)
	require.NoError(t, err)
	require.NoError(t, s.DeletePath(obj.Path))
	ok, err := s.Exists(obj.Key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, s.Delete(obj.Key), "deleting a missing key is fine")
}

func assertNoTemp(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".download-")
	}
}
