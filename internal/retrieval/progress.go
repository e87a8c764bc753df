package retrieval

import (
	"strconv"
	"strings"
)

// Sample is one parsed progress line from the retrieval tool.
type Sample struct {
	Downloaded int64
	Total      int64
	Speed      float64
	ETA        int64
}

// Ratio returns the completed percentage, or false when the size is unknown.
func (s Sample) Ratio() (float64, bool) {
	if s.Total <= 0 || s.Downloaded < 0 {
		return 0, false
	}
	pct := float64(s.Downloaded) / float64(s.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// ParseProgress reads key=value tokens emitted by the progress template.
// Values the tool could not compute are printed as NA and left at zero.
func ParseProgress(line string) (Sample, bool) {
	if !strings.Contains(line, "downloaded_bytes=") {
		return Sample{}, false
	}

	var (
		sample   Sample
		estimate int64
	)
	for _, field := range strings.Fields(line) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		num, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		switch key {
		case "downloaded_bytes":
			sample.Downloaded = int64(num)
		case "total_bytes":
			sample.Total = int64(num)
		case "total_bytes_estimate":
			estimate = int64(num)
		case "speed":
			sample.Speed = num
		case "eta":
			sample.ETA = int64(num)
		}
	}
	if sample.Total <= 0 {
		sample.Total = estimate
	}
	return sample, true
}
