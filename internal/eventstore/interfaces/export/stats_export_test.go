package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"magicsaas-pipeline/internal/eventstore/domain"
)

func sampleStats() domain.Stats {
	return domain.Stats{
		Total:       5,
		ByType:      map[string]int64{"sensor.enter": 3, "occupancy.threshold_crossed": 2},
		ByLayer:     map[domain.Layer]int64{domain.LayerIngestion: 3, domain.LayerDomain: 2},
		Buffered:    1,
		Flushes:     2,
		LastFlushAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleStats(), FormatText))
	out := buf.String()
	assert.Contains(t, out, "sensor.enter")
	assert.Contains(t, out, "1 (ingestion)")
	assert.Contains(t, out, "2026-05-01T08:00:00Z")
}

func TestBuildStatsXLSX(t *testing.T) {
	data, err := BuildStatsXLSX(sampleStats())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	value, err := f.GetCellValue("types", "A2")
	require.NoError(t, err)
	assert.Equal(t, "occupancy.threshold_crossed", value)
	value, err = f.GetCellValue("summary", "B2")
	require.NoError(t, err)
	assert.Equal(t, "5", value)
}

func TestBuildStatsPDF(t *testing.T) {
	data, err := BuildStatsPDF(sampleStats())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestRender_UnknownFormat(t *testing.T) {
	assert.Error(t, Render(&bytes.Buffer{}, sampleStats(), "csv"))
}
