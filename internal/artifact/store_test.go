package artifact_test

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/workqueue/internal/artifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndOpen(t *testing.T) {
	s, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	st, err := s.Put("task-1", artifact.Upload{Name: "../../etc/report.txt", Data: []byte("all green")})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(st.Path, "task-1/"))
	assert.True(t, strings.HasSuffix(st.Path, "-report.txt"))
	assert.Equal(t, int64(9), st.Size)
	assert.Contains(t, st.MediaType, "text/plain")

	rc, err := s.Open(st.Path)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "all green", string(b))

	_, err = s.Open("../outside")
	assert.Error(t, err)
}

func TestRemoveAll(t *testing.T) {
	root := t.TempDir()
	s, err := artifact.NewStore(root)
	require.NoError(t, err)

	files, err := s.PutAll("t", []artifact.Upload{
		{Name: "a.log", Data: []byte("a")},
		{Name: "b.log", Data: []byte("b"), MediaType: "text/x-log"},
	})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "text/x-log", files[1].MediaType)

	s.RemoveAll(files)
	for _, f := range files {
		_, err := os.Stat(filepath.Join(root, f.Path))
		assert.True(t, os.IsNotExist(err))
	}
}
