package db

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Docket/internal/models"
)

func TestBuildDSN(t *testing.T) {
	_, err := buildDSN("", "")
	assert.Error(t, err)

	dsn, err := buildDSN("postgres://u:p@localhost:5432/docket", "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost:5432/docket", dsn)

	_, err = buildDSN("postgres://u:p@localhost/docket", "/does/not/exist.pem")
	assert.Error(t, err)

	cert := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o600))
	dsn, err = buildDSN("postgres://u:p@db.example:5432/docket?application_name=docket", cert)
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=verify-ca")
	assert.Contains(t, dsn, "sslrootcert=")
	assert.Contains(t, dsn, "application_name=docket")
}

func TestSlotArgs(t *testing.T) {
	slots, model, dim, err := slotArgs(nil)
	require.NoError(t, err)
	assert.Len(t, slots, len(models.EmbeddingSlots))
	assert.Nil(t, model)
	assert.Nil(t, dim)
	for _, s := range slots {
		assert.Nil(t, s)
	}

	vec := make([]float32, 1024)
	vec[0] = 0.5
	slots, model, dim, err = slotArgs(&models.Embedding{Model: "m", Dim: 1024, Vector: vec})
	require.NoError(t, err)
	assert.Equal(t, "m", *model)
	assert.Equal(t, 1024, *dim)
	for i, s := range slots {
		if models.EmbeddingSlots[i] == 1024 {
			v, ok := s.(pgvector.Vector)
			require.True(t, ok)
			assert.Equal(t, vec, v.Slice())
		} else {
			assert.Nil(t, s)
		}
	}
}

func TestSlotArgs_RefusesUnsupportedDimension(t *testing.T) {
	_, _, _, err := slotArgs(&models.Embedding{Model: "m", Dim: 999, Vector: make([]float32, 999)})
	assert.ErrorIs(t, err, models.ErrUnsupportedDimension)

	_, _, _, err = slotArgs(&models.Embedding{Model: "m", Dim: 768, Vector: make([]float32, 10)})
	assert.ErrorIs(t, err, models.ErrUnsupportedDimension)
}

func TestInitSQL_EnforcesInvariants(t *testing.T) {
	raw, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	require.NoError(t, err)
	schema := string(raw)

	for _, want := range []string{
		"chunks_page_iff_web CHECK ((source_kind = 'web') = (page_id IS NOT NULL))",
		"UNIQUE (source_id, page_number, image_index)",
		"storage_path    TEXT NOT NULL UNIQUE",
		"ON chunks (source_id, chunk_number) WHERE page_id IS NULL",
		"ON chunks (source_id, url, chunk_number) WHERE page_id IS NOT NULL",
		"INSERT INTO docket_meta (version) VALUES (" + strconv.Itoa(schemaVersion) + ")",
	} {
		assert.Contains(t, schema, want)
	}
	assert.NotContains(t, schema, "ON chunks (url, chunk_number)", "web chunk positions are scoped to their source")

	for _, dim := range models.EmbeddingSlots {
		assert.Equal(t, 2, strings.Count(schema, "vector("+strconv.Itoa(dim)+")"), "slot %d in chunks and images", dim)
	}
}
