package dbcli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutelladb/serialization"
)

func run(t *testing.T, root string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs(append([]string{"--root", root, "--log-level", "error"}, args...))
	require.NoError(t, RootCmd.Execute())
	return out.String()
}

func createDB(t *testing.T, root string) string {
	t.Helper()
	out := run(t, root, "create-db")
	line := strings.SplitN(out, "\n", 2)[0]
	require.True(t, strings.HasPrefix(line, "Database ID: "), out)
	return strings.TrimPrefix(line, "Database ID: ")
}

func TestCommandsRoundTrip(t *testing.T) {
	root := t.TempDir()
	dbID := createDB(t, root)

	assert.Equal(t, dbID+"\n", run(t, root, "list-dbs"))

	run(t, root, "create-collection", dbID, "people", "3")
	assert.Equal(t, "people\n", run(t, root, "list-collections", dbID))

	run(t, root, "create-index", dbID, "people", "by_age", "Age")

	ids := map[string]string{}
	for name, doc := range map[string]string{
		"ada":   `{"Name": "Ada", "Age": 36}`,
		"bob":   `{"Name": "Bob", "Age": 25}`,
		"carol": `{"Name": "Carol", "Age": 30}`,
	} {
		ids[name] = strings.TrimSpace(run(t, root, "insert", dbID, "people", doc))
	}

	out := run(t, root, "find", dbID, "people", ids["ada"])
	assert.Contains(t, out, `"Name": "Ada"`)
	assert.Contains(t, out, `"Age": 36`)

	assert.Equal(t, "1\n", run(t, root, "rank", dbID, "people", "by_age", ids["carol"]))

	scan := strings.Split(strings.TrimSpace(run(t, root, "scan", dbID, "people", "by_age", "--limit", "0")), "\n")
	require.Len(t, scan, 3)
	assert.Contains(t, scan[0], ids["bob"])
	assert.Contains(t, scan[1], ids["carol"])
	assert.Contains(t, scan[2], ids["ada"])

	run(t, root, "update", dbID, "people", ids["bob"], `{"Name": "Bob", "Age": 99}`)
	assert.Equal(t, "2\n", run(t, root, "rank", dbID, "people", "by_age", ids["bob"]))

	run(t, root, "delete", dbID, "people", ids["ada"])
	assert.Equal(t, "0\n", run(t, root, "rank", dbID, "people", "by_age", ids["carol"]))

	out = run(t, root, "regenerate", dbID, "people", "by_age")
	assert.Contains(t, out, "2 indexed, 0 oversize")

	run(t, root, "drop-index", dbID, "people", "by_age")
	run(t, root, "drop-collection", dbID, "people")
	assert.Empty(t, run(t, root, "list-collections", dbID))
}

func TestScanLimit(t *testing.T) {
	root := t.TempDir()
	dbID := createDB(t, root)
	run(t, root, "create-collection", dbID, "nums")
	run(t, root, "create-index", dbID, "nums", "by_n", "N")
	for _, n := range []string{"3", "1", "2"} {
		run(t, root, "insert", dbID, "nums", `{"N": `+n+`}`)
	}

	out := run(t, root, "scan", dbID, "nums", "by_n", "--limit", "2")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[1]")
	assert.Contains(t, lines[1], "[2]")
}

func TestParseDocument(t *testing.T) {
	doc := parseDocument(`{"a": 1, "b": 1.5, "c": "x", "d": {"e": [2, null]}}`)
	assert.Equal(t, int64(1), doc["a"])
	assert.Equal(t, 1.5, doc["b"])
	assert.Equal(t, "x", doc["c"])
	nested := doc["d"].(serialization.Document)
	assert.Equal(t, []any{int64(2), nil}, nested["e"])
}

func TestCheck(t *testing.T) {
	rootDir = t.TempDir()
	logLevel = "error"

	var out bytes.Buffer
	require.NoError(t, runCheck(context.Background(), &out))
	assert.Contains(t, out.String(), "Record cache:")
	assert.Contains(t, out.String(), "All done!")
}
