package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable struct{}

func (fakeTable) Headers() []string { return []string{"ALIAS", "STATUS"} }
func (fakeTable) Rows() [][]string  { return [][]string{{"alpha", "online"}} }

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"":      FormatTable,
		"table": FormatTable,
		"json":  FormatJSON,
		"YAML":  FormatYAML,
		"yml":   FormatYAML,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, fakeTable{}))
	assert.Contains(t, buf.String(), "ALIAS")
	assert.Contains(t, buf.String(), "alpha")
}

func TestPrintJSONFallback(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, map[string]int{"n": 1}))
	assert.JSONEq(t, `{"n":1}`, buf.String())
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatYAML, map[string]string{"host": "alpha"}))
	assert.Equal(t, "host: alpha\n", buf.String())
}
