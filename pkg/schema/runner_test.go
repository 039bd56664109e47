package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationsAreOrderedWithoutGaps(t *testing.T) {
	seen := make(map[int]bool)
	for _, m := range Migrations {
		require.False(t, seen[m.Version], "duplicate version %d", m.Version)
		seen[m.Version] = true
		require.NotEmpty(t, m.Name)
		require.Contains(t, m.SQL, "__SCHEMA__")
	}
	for i := 1; i <= len(Migrations); i++ {
		require.True(t, seen[i], "missing version %d", i)
	}
}

func TestChecksumIsStableAndSensitiveToContent(t *testing.T) {
	a := checksum("CREATE TABLE foo (id int);")
	b := checksum("CREATE TABLE foo (id int);")
	c := checksum("CREATE TABLE foo (id bigint);")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestResolveReplacesSchemaPlaceholder(t *testing.T) {
	r := &Runner{schema: "tenant_1"}
	out := r.resolve("CREATE TABLE __SCHEMA__.outbox (...); -- __SCHEMA__ again")
	require.Equal(t, "CREATE TABLE tenant_1.outbox (...); -- tenant_1 again", out)
}

func TestNewDefaultsSchemaToPublic(t *testing.T) {
	r := New(nil, "")
	require.Equal(t, "public", r.schema)
}
