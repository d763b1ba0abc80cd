package tasklog_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"graphrunner/internal/tasklog"
)

func TestLine(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "[2025-03-04 05:06:07] hello", tasklog.Line(now, "hello"))
}

func TestAppend(t *testing.T) {
	logs := tasklog.Append("", 0, 0, "a")
	assert.Equal(t, "a", logs)

	logs = tasklog.Append(logs, 0, 0, "b", "c")
	assert.Equal(t, "a\nb\nc", logs)

	assert.Equal(t, logs, tasklog.Append(logs, 0, 0))
}

func TestCapKeepsTail(t *testing.T) {
	const maxSize, trimTo = 100, 50

	var logs string
	for i := 0; i < 30; i++ {
		logs = tasklog.Append(logs, maxSize, trimTo, fmt.Sprintf("line-%02d", i))
		assert.LessOrEqual(t, len(logs), maxSize)
	}

	assert.True(t, strings.HasSuffix(logs, "line-29"), "most recent content is retained")
	assert.NotContains(t, logs, "line-00", "earliest content is discarded")
}

func TestCapBelowCeiling(t *testing.T) {
	assert.Equal(t, "short", tasklog.Cap("short", 10, 5))
	assert.Equal(t, strings.Repeat("x", 10), tasklog.Cap(strings.Repeat("x", 10), 10, 5))
}

func TestCapRuneBoundary(t *testing.T) {
	logs := strings.Repeat("é", 20) // 40 bytes
	capped := tasklog.Cap(logs, 30, 11)
	assert.True(t, utf8.ValidString(capped))
	assert.LessOrEqual(t, len(capped), 11)
	assert.Equal(t, strings.Repeat("é", 5), capped)
}

func TestPreview(t *testing.T) {
	t.Run("short logs are returned whole", func(t *testing.T) {
		preview, total := tasklog.Preview("a\nb\nc\n", 2, 2)
		assert.Equal(t, "a\nb\nc", preview)
		assert.Equal(t, 3, total)
	})

	t.Run("empty logs", func(t *testing.T) {
		preview, total := tasklog.Preview("", 40, 40)
		assert.Empty(t, preview)
		assert.Zero(t, total)
	})

	t.Run("long logs are truncated in the middle", func(t *testing.T) {
		lines := make([]string, 100)
		for i := range lines {
			lines[i] = fmt.Sprintf("%d", i)
		}

		preview, total := tasklog.Preview(strings.Join(lines, "\n"), 3, 2)
		assert.Equal(t, 100, total)
		assert.Equal(t, "0\n1\n2\n"+tasklog.TruncatedMarker+"\n98\n99", preview)
	})
}

func TestBatcher(t *testing.T) {
	var batches [][]string
	b := tasklog.NewBatcher(3, func(lines []string) {
		batches = append(batches, lines)
	})

	for i := 0; i < 7; i++ {
		b.Add(fmt.Sprintf("%d", i))
	}
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"0", "1", "2"}, batches[0])
	assert.Equal(t, 1, b.Pending())

	b.Flush()
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"6"}, batches[2])

	b.Flush()
	assert.Len(t, batches, 3, "flushing an empty buffer does nothing")
}

func TestFileLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "graph")

	fl, err := tasklog.OpenFileLog(dir)
	require.NoError(t, err)
	require.NoError(t, fl.WriteLine("first"))
	require.NoError(t, fl.Close())

	fl, err = tasklog.OpenFileLog(dir)
	require.NoError(t, err)
	require.NoError(t, fl.WriteLine("second"))
	require.NoError(t, fl.Close())

	data, err := os.ReadFile(filepath.Join(dir, tasklog.BuildLogName))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}
