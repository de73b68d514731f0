package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/core/ir"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeManifest(t, `{
		"services": [
			{"service_id": "crm", "version": "2.0.0", "format": "MCP",
			 "url": "http://crm:9000", "trust_level": "high"},
			{"service_id": "crm", "version": "1.0.0", "format": "MCP",
			 "url": "http://crm-legacy:9000", "trust_level": "medium"}
		]
	}`)

	reg, err := LoadFile(path)
	require.NoError(t, err)

	e, err := reg.Lookup("crm", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, ir.TrustHigh, e.TrustLevel)

	// Loaded registries are sealed
	err = reg.Register(Entry{ServiceID: "late", Version: "1.0.0"})
	require.Error(t, err)
}

func TestLoadFile_MissingFileYieldsEmptySealedRegistry(t *testing.T) {
	reg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	_, err = reg.Lookup("anything", "1.0.0")
	require.ErrorIs(t, err, ErrServiceNotFound)

	err = reg.Register(Entry{ServiceID: "s", Version: "1.0.0"})
	require.Error(t, err)
}

func TestLoadFile_RejectsIncompleteEntries(t *testing.T) {
	path := writeManifest(t, `{"services": [{"service_id": "crm"}]}`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service_id or version")
}

func TestLoadFile_RejectsDuplicates(t *testing.T) {
	path := writeManifest(t, `{
		"services": [
			{"service_id": "crm", "version": "2.0.0"},
			{"service_id": "crm", "version": "2.0.0"}
		]
	}`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadFile_RejectsMalformedJSON(t *testing.T) {
	path := writeManifest(t, `{"services": [`)

	_, err := LoadFile(path)
	require.Error(t, err)
}
