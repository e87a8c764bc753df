package publish

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0.50 KB", FormatSize(512))
	assert.Equal(t, "1023.00 KB", FormatSize(1023*1024))
	assert.Equal(t, "1.00 MB", FormatSize(1024*1024))
	assert.Equal(t, "3.50 MB", FormatSize(3*1024*1024+512*1024))
}

func TestExpiresText(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour

	cases := []struct {
		elapsed time.Duration
		want    string
	}{
		{0, "File expires in 7 days"},
		{time.Hour, "File expires in 6 days and 23 hours"},
		{5*24*time.Hour + 23*time.Hour, "File expires in 1 day and 1 hour"},
		{6*24*time.Hour + 22*time.Hour, "File expires in 2 hours"},
		{6*24*time.Hour + 23*time.Hour + 30*time.Minute, "File expires in 0 hour"},
		{8 * 24 * time.Hour, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExpiresText(created, created.Add(tc.elapsed), week), tc.elapsed.String())
	}
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c_d.mp3", SafeFilename("a/b\\c:d", "fb.mp3"))
	assert.Equal(t, "Caf_ _.mp3", SafeFilename("Café 日本語", "fb.mp3"))
	assert.Equal(t, "fb.mp3", SafeFilename("   ", "fb.mp3"))
	assert.Equal(t, "fb.mp3", SafeFilename("日本語", "fb.mp3"))

	long := SafeFilename(strings.Repeat("x", 150), "fb.mp3")
	assert.Equal(t, strings.Repeat("x", 97)+"....mp3", long)
	assert.Len(t, strings.TrimSuffix(long, ".mp3"), 100)
}
