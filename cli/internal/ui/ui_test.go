package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	DisableColor()
	buf := &bytes.Buffer{}
	prevOut, prevErr := Out, ErrOut
	Out, ErrOut = buf, buf
	t.Cleanup(func() { Out, ErrOut = prevOut, prevErr })
	return buf
}

func TestPrintTable(t *testing.T) {
	buf := capture(t)
	require.NoError(t, PrintTable([]string{"Version", "Outcome"}, [][]string{{"2.3.0", "applied"}}))
	assert.Contains(t, buf.String(), "Version")
	assert.Contains(t, buf.String(), "applied")
}

func TestPrintKeyValues(t *testing.T) {
	buf := capture(t)
	PrintKeyValues([][2]string{{"Current", "2.2.0"}, {"Latest version", "2.3.0"}})
	assert.Contains(t, buf.String(), "Current:")
	assert.Contains(t, buf.String(), "2.3.0")
}

func TestPrintIssue(t *testing.T) {
	buf := capture(t)
	PrintIssue("error", "missing_object", "new_table", "table is not present")
	assert.Contains(t, buf.String(), "ERROR")
	assert.Contains(t, buf.String(), "new_table: table is not present")
}
