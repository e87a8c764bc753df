package retrieval

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"

	"audio-converter/internal/domain"
)

const (
	// MinBytes is the smallest artifact accepted as media.
	MinBytes  = 1024
	headerLen = 1024
)

// Wrapper formats and error pages the tool sometimes saves instead of media.
var interstitialMarkers = [][]byte{
	[]byte("mime-version:"),
	[]byte("multipart/related"),
	[]byte("content-type: multipart"),
	[]byte("boundary="),
	[]byte("content-location:"),
	[]byte("--ytdlp"),
	[]byte("from: <nowhere@yt-dlp"),
	[]byte("text/html"),
	[]byte("<html"),
	[]byte("<!doctype"),
	[]byte("<head>"),
	[]byte("<body>"),
}

var audioSignatures = []struct {
	offset int
	magic  []byte
}{
	{0, []byte("ID3")},
	{0, []byte{0xff, 0xfb}},
	{0, []byte{0xff, 0xf3}},
	{0, []byte{0xff, 0xf2}},
	{4, []byte("ftyp")},
	{0, []byte("RIFF")},
	{0, []byte("OggS")},
	{0, []byte("fLaC")},
	{0, []byte{0x1a, 0x45, 0xdf, 0xa3}},
}

var allowedExtensions = map[string]struct{}{
	".mp3": {}, ".m4a": {}, ".wav": {}, ".ogg": {},
	".opus": {}, ".webm": {}, ".aac": {}, ".flac": {},
}

// Validate decides whether the file at path is plausibly audio.
func Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.NewStageError(domain.ErrValidation, "", "cannot open artifact", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return domain.NewStageError(domain.ErrValidation, "", "cannot stat artifact", err)
	}
	if info.Size() < MinBytes {
		return domain.NewStageError(domain.ErrValidation, "", fmt.Sprintf("file too small (%d bytes)", info.Size()), nil)
	}

	header := make([]byte, headerLen)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return domain.NewStageError(domain.ErrValidation, "", "cannot read artifact", err)
	}
	header = header[:n]

	lower := bytes.ToLower(header)
	for _, marker := range interstitialMarkers {
		if bytes.Contains(lower, marker) {
			return domain.NewStageError(domain.ErrValidation, "", fmt.Sprintf("artifact looks like a wrapper document (%s)", marker), nil)
		}
	}

	if hasAudioSignature(header) || identifiedByTags(f) {
		return nil
	}

	if _, ok := allowedExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return nil
	}
	return domain.NewStageError(domain.ErrValidation, "", "unrecognized file type "+filepath.Ext(path), nil)
}

func hasAudioSignature(header []byte) bool {
	for _, sig := range audioSignatures {
		end := sig.offset + len(sig.magic)
		if len(header) >= end && bytes.Equal(header[sig.offset:end], sig.magic) {
			return true
		}
	}
	// Opus streams announce themselves inside the first Ogg page
	return bytes.Contains(header, []byte("OpusHead"))
}

func identifiedByTags(f io.ReadSeeker) bool {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	_, fileType, err := tag.Identify(f)
	return err == nil && fileType != tag.UnknownFileType
}

// SelectCandidate returns the largest regular file in dir.
func SelectCandidate(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", domain.NewStageError(domain.ErrStorage, "", "cannot list work directory", err)
	}

	var (
		best     string
		bestSize int64 = -1
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = filepath.Join(dir, entry.Name()), info.Size()
		}
	}
	if best == "" {
		return "", domain.NewStageError(domain.ErrValidation, "", "no file was produced", nil)
	}
	return best, nil
}
