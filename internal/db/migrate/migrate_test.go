package migrate

import (
	"bytes"
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisllmlab/tianjibatch/internal/db"
)

func TestSchemaFilesEmbed(t *testing.T) {
	entries, err := fs.ReadDir(db.SchemaFiles, "schema")
	require.NoError(t, err)

	var up, down []string
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up = append(up, e.Name())
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down = append(down, e.Name())
		}
	}
	assert.Len(t, up, 1)
	assert.Len(t, down, 1)
}

func TestSchemaFilesOrder(t *testing.T) {
	src, err := iofs.New(db.SchemaFiles, "schema")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	_, err = src.Next(first)
	assert.Error(t, err, "only one migration is expected")
}

func TestSchemaDeclaresTables(t *testing.T) {
	data, err := fs.ReadFile(db.SchemaFiles, "schema/000001_batches.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"batches", "request_items", "attempts", "performance_stats"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestRunMigrationsNilPool(t *testing.T) {
	err := RunMigrations(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil pool")
}

func TestMigrateLoggerWritesZerolog(t *testing.T) {
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	l := &migrateLogger{logger: &lg}
	l.Printf("applied %d\n", 1)
	assert.Contains(t, buf.String(), `"message":"applied 1"`)
	assert.Contains(t, buf.String(), `"component":"migrate"`)
	assert.False(t, l.Verbose())
}
