package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"apiKey":"secret"}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "us-east-1", cfg.Region)
}

func TestLoad_MissingAPIKeyFails(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidMachineIDFails(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"apiKey":"secret","machineId":"not-hex"}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestCompressionConfig_Defaults(t *testing.T) {
	var c *CompressionConfig
	assert.True(t, c.IsEnabled())
	assert.Equal(t, 0.75, c.GetThresholdPercent())
	assert.Equal(t, 2000, c.GetMaxSummaryTokens())
	assert.Equal(t, 30, c.GetSummarizationTimeout())
	assert.True(t, c.ShouldFallbackToRegex())
	assert.Equal(t, "truncate", c.ThinkingStrategy())
}

func TestParseCredentialsFile_LegacySingleObjectPromotedToArray(t *testing.T) {
	records, err := ParseCredentialsFile([]byte(`{"refreshToken":"r1","authMethod":"social"}`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].RefreshToken)
}

func TestParseCredentialsFile_ArrayForm(t *testing.T) {
	records, err := ParseCredentialsFile([]byte(`[{"refreshToken":"r1"},{"refreshToken":"r2"}]`))
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestParseCredentialsFile_EmptyInputYieldsNoRecords(t *testing.T) {
	records, err := ParseCredentialsFile([]byte(""))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNormalizeAuthMethod(t *testing.T) {
	cases := map[string]string{
		"idc":        "idc",
		"builder-id": "idc",
		"iam":        "idc",
		"social":     "social",
		"":           "social",
		"whatever":   "social",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeAuthMethod(in), "input %q", in)
	}
}

func TestWriteCredentialsFileAtomic_RoundTripsAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")

	require.NoError(t, WriteCredentialsFileAtomic(path, []CredentialRecord{{ID: 1, RefreshToken: "r1"}}))
	records, err := LoadCredentialsFile(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].RefreshToken)

	require.NoError(t, WriteCredentialsFileAtomic(path, []CredentialRecord{{ID: 1, RefreshToken: "r2"}, {ID: 2, RefreshToken: "r3"}}))
	records, err = LoadCredentialsFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2, "a second write must fully replace the file, not append to it")
	assert.Equal(t, "r2", records[0].RefreshToken)
}

func TestWriteCredentialsFileAtomic_LeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, WriteCredentialsFileAtomic(path, []CredentialRecord{{ID: 1, RefreshToken: "r1"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the final credentials.json should remain, no leftover .tmp file")
}

func TestWriteCredentialsFileAtomic_NilRecordsWritesEmptyArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, WriteCredentialsFileAtomic(path, nil))

	records, err := LoadCredentialsFile(path)
	require.NoError(t, err)
	assert.Empty(t, records)
}
