package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	insighthttp "github.com/fyrsmithlabs/insightd/internal/http"
	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/fyrsmithlabs/insightd/internal/reflection"
	"github.com/fyrsmithlabs/insightd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startAPI(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "ctl.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m, err := insight.NewManager(s, s.Reflections(), insight.DefaultRules(), insight.WithTraceStore(s))
	require.NoError(t, err)
	svc := reflection.NewService(s.Reflections(), nil)
	svc.RegisterHook(m.ReflectionHook())

	srv, err := insighthttp.NewServer(svc, m, s, zap.NewNop(), &insighthttp.Config{Version: "test"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHealth(t *testing.T) {
	url := startAPI(t)

	out, err := execute(t, "", "health", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "Version: test")
	assert.Contains(t, out, "Check storage: ok")
}

func TestHealth_Unreachable(t *testing.T) {
	_, err := execute(t, "", "health", "--server", "http://127.0.0.1:1")
	assert.Error(t, err)
}

func TestReflectAndInspect(t *testing.T) {
	url := startAPI(t)

	flags := []string{
		"reflect", "--server", url,
		"--pain", "search queries time out under load",
		"--impact", "support agents cannot find tickets",
		"--why", "missing index on tickets table",
		"--evidence", "grafana://search/p99",
		"--confidence", "7",
		"--team", "support",
		"--tag", "stage:runtime",
	}
	out, err := execute(t, "", append(flags, "--author", "alice")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Reflection ")

	stdin := `{"pain":"search queries time out under load","impact":"agents wait minutes","suspected_why":"no index","evidence":["apm://trace/7"],"confidence":6,"role_type":"reviewer","author":"bob","team_id":"support","tags":["stage:runtime"]}`
	_, err = execute(t, stdin, "reflect", "-", "--server", url)
	require.NoError(t, err)

	out, err = execute(t, "", "insights", "list", "--server", url, "--status", "promoted")
	require.NoError(t, err)
	assert.Contains(t, out, "runtime::performance::support")
	assert.Contains(t, out, "Showing 1 of 1")

	out, err = execute(t, "", "insights", "list", "--server", url, "-o", "json")
	require.NoError(t, err)
	var page insight.Page
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Insights, 1)
	id := page.Insights[0].ID

	out, err = execute(t, "", "insights", "get", id, "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Reporters:   2 (alice, bob)")
	assert.Contains(t, out, "max_confidence")

	out, err = execute(t, "", "insights", "stats", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Total: 1")
	assert.Contains(t, out, "performance")

	out, err = execute(t, "", "insights", "traces", id, "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "merge")
	assert.Contains(t, out, "create")

	out, err = execute(t, "", "triage", id, "task_created", "--task", "JIRA-1", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "is now task_created")

	_, err = execute(t, "", "triage", id, "promoted", "--server", url)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.Status)

	out, err = execute(t, "", "sweep", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Cooled: 0  Closed: 0")
}

func TestReflect_FromFileAndValidation(t *testing.T) {
	url := startAPI(t)
	path := filepath.Join(t.TempDir(), "r.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pain":"build cache misses on every run","evidence":["ci://1"],"confidence":5,"author":"carol"}`), 0o600))

	out, err := execute(t, "", "reflect", path, "--server", url, "--id", "fixed-id", "-o", "json")
	require.NoError(t, err)
	var r reflection.Reflection
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "fixed-id", r.ID)
	assert.Equal(t, reflection.RoleImplementer, r.RoleType)

	out, err = execute(t, "", "reingest", "fixed-id", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Outcome: duplicate")

	_, err = execute(t, "", "reflect", "--server", url, "--pain", "no author")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pain and author are required")

	_, err = execute(t, "", "reflect", "--server", url, "--pain", "bad confidence here", "--author", "dan", "--evidence", "x://1", "--confidence", "11")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Contains(t, apiErr.Message, "confidence")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
