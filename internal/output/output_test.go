package output_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/output"
)

var (
	header = []string{"SUBVOLUME", "SNAPSHOT"}
	rows   = [][]string{{"data", "2024-06-01_10-00-00_H"}}
)

func TestRenderTableContainsHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, output.Render(&buf, output.FormatTable, header, rows, nil))
	assert.Contains(t, buf.String(), "SUBVOLUME")
	assert.Contains(t, buf.String(), "2024-06-01_10-00-00_H")
}

func TestRenderCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, output.Render(&buf, output.FormatCSV, header, rows, nil))
	assert.Equal(t, "SUBVOLUME,SNAPSHOT\ndata,2024-06-01_10-00-00_H\n", buf.String())
}

func TestRenderJSONUsesTypedValue(t *testing.T) {
	type row struct {
		Subvolume string `json:"subvolume"`
		Snapshot  string `json:"snapshot"`
	}
	var buf bytes.Buffer
	raw := []row{{Subvolume: "data", Snapshot: "2024-06-01_10-00-00_H"}}
	require.NoError(t, output.Render(&buf, output.FormatJSON, header, rows, raw))

	var decoded []row
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, raw, decoded)
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, output.Render(&buf, output.Format("yaml"), header, rows, nil))
}
