package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storage-engine/persister"
	"github.com/warp/storage-engine/persister/file"
	"github.com/warp/storage-engine/persister/persistertest"
)

func tempLogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "storage.log")
}

func TestFilePersister_Conformance(t *testing.T) {
	persistertest.Run(t, func(t *testing.T) persister.Persister {
		p, err := file.Open(tempLogPath(t))
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		return p
	})
}

func TestFilePersister_Open_RecoversFromTrailingPartialLine(t *testing.T) {
	// GIVEN: a log file with one complete record and one truncated
	//   (crash-mid-write) trailing line with no newline
	// WHEN: Open is called
	// THEN: the partial line is dropped; Size reports only the complete record

	ctx := context.Background()
	path := tempLogPath(t)

	p, err := file.Open(path)
	require.NoError(t, err)
	_, err = p.Append(ctx, 1, []byte(`{"v":1}`))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"index":1,"us":2}` + "\t" + `{"v"`)) // no trailing newline
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := file.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	size, err := reopened.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), size)

	idx, err := reopened.Append(ctx, 3, []byte(`{"v":3}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx, "the recovered partial line's slot is reused, not skipped")
}
