package migration

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsIrreversibleSource(t *testing.T) {
	src := fstest.MapFS{
		"000001_create_integration_mappings.up.sql":   {Data: []byte("CREATE TABLE integration_mappings ();")},
		"000001_create_integration_mappings.down.sql": {Data: []byte("DROP TABLE integration_mappings;")},
		"000002_add_sync_index.up.sql":                {Data: []byte("CREATE INDEX idx ON integration_mappings (sync_status);")},
	}

	m, err := New(nil, WithSource(src))
	require.Error(t, err)
	assert.Nil(t, m)
	assert.Contains(t, err.Error(), "000002_add_sync_index")
}
