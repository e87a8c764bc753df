package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation("s3://audio/mirror/task-1/task-1_song.mp3")
	require.NoError(t, err)
	assert.Equal(t, "audio", loc.Bucket)
	assert.Equal(t, "mirror/task-1/task-1_song.mp3", loc.Key)
	assert.Equal(t, "s3://audio/mirror/task-1/task-1_song.mp3", loc.String())

	for _, bad := range []string{"", "http://x/y", "s3://bucket", "s3:///key"} {
		_, err := ParseLocation(bad)
		assert.Error(t, err, bad)
	}
}

func TestTaskPrefix(t *testing.T) {
	assert.Equal(t, "mirror/task-1", TaskPrefix("/mirror/", "task-1"))
	assert.Equal(t, "task-1", TaskPrefix("", "task-1"))
}

func TestProgressReporterReportsCompletion(t *testing.T) {
	var calls [][2]int64
	p := newProgressReporter(10, func(done, total int64) { calls = append(calls, [2]int64{done, total}) })
	p.report(0)

	_, err := strings.NewReader("0123456789").WriteTo(p)
	require.NoError(t, err)
	p.flush()

	require.NotEmpty(t, calls)
	assert.Equal(t, [2]int64{10, 10}, calls[len(calls)-1])
	assert.Nil(t, newProgressReporter(10, nil))
}
