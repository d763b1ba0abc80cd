package tasklog

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// TruncatedMarker separates the head and tail of a preview that does not show every line
const TruncatedMarker = "… (logs truncated) …"

// Line stamps a human-readable log entry with the time it was written
func Line(now time.Time, text string) string {
	return fmt.Sprintf("[%s] %s", now.UTC().Format("2006-01-02 15:04:05"), text)
}

// Append adds lines to logs, then caps the result. See Cap.
func Append(logs string, maxSize, trimTo int, lines ...string) string {
	if len(lines) == 0 {
		return logs
	}
	var sb strings.Builder
	sb.Grow(len(logs) + 64*len(lines))
	sb.WriteString(logs)
	for _, l := range lines {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(l)
	}
	return Cap(sb.String(), maxSize, trimTo)
}

// Cap bounds logs to maxSize bytes. Once the ceiling is exceeded only the trailing trimTo bytes are
// kept, so the most recent content always survives. The cut is moved forward to the next rune start
// so the result stays valid UTF-8. A non-positive maxSize disables capping.
func Cap(logs string, maxSize, trimTo int) string {
	if maxSize <= 0 || len(logs) <= maxSize {
		return logs
	}
	if trimTo <= 0 || trimTo > maxSize {
		trimTo = maxSize
	}

	start := len(logs) - trimTo
	for start < len(logs) && !utf8.RuneStart(logs[start]) {
		start++
	}
	return logs[start:]
}

// Preview renders at most head+tail lines of logs. When there are more lines than that, the first
// head and last tail lines are joined around TruncatedMarker. The total line count is returned too.
func Preview(logs string, head, tail int) (string, int) {
	lines := Lines(logs)
	total := len(lines)
	if total <= head+tail {
		return strings.Join(lines, "\n"), total
	}

	preview := make([]string, 0, head+tail+1)
	preview = append(preview, lines[:head]...)
	preview = append(preview, TruncatedMarker)
	preview = append(preview, lines[total-tail:]...)
	return strings.Join(preview, "\n"), total
}

// Lines splits logs into lines. A trailing newline does not produce an empty last line.
func Lines(logs string) []string {
	logs = strings.TrimSuffix(logs, "\n")
	if logs == "" {
		return []string{}
	}
	return strings.Split(logs, "\n")
}
