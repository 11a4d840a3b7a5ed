package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hnakamur/ltsvlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mlflowexporter "github.com/masa23/mlflow-exporter"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestPushCommand(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	t.Setenv("GITHUB_RUN_ID", "42")

	run := func(args ...string) error {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(append([]string{"push", "--pushgateway-url", srv.URL}, args...))
		return root.Execute()
	}

	require.NoError(t, run("start"))
	require.NoError(t, run("end", "failure"))
	assert.Error(t, run("end", "maybe"))
	assert.Error(t, run("restart"))

	dir := t.TempDir()
	require.NoError(t, run("custom",
		"--summary", filepath.Join(dir, "none.json"),
		"--test-output", filepath.Join(dir, "none.txt")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 2)
	assert.Equal(t, "/metrics/job/github_actions_test_generator/instance/42", paths[0])
}

func TestLoadTLSInsecure(t *testing.T) {
	c, err := loadTLS(mlflowexporter.ConfigTLS{Insecure: true})
	require.NoError(t, err)
	assert.True(t, c.Insecure)
}

func TestLoadTLSMissingCA(t *testing.T) {
	_, err := loadTLS(mlflowexporter.ConfigTLS{CACertificate: filepath.Join(t.TempDir(), "ca.pem")})
	assert.Error(t, err)
}

func TestReopenLogWhileLogging(t *testing.T) {
	dir := t.TempDir()
	first, second := filepath.Join(dir, "exporter.log"), filepath.Join(dir, "exporter.log.new")
	f1, err := openLogger(mlflowexporter.Config{LogFile: first})
	require.NoError(t, err)
	t.Cleanup(func() {
		logOutput.swap(os.Stdout)
		ltsvlog.Logger = ltsvlog.NewLTSVLogger(os.Stdout, false)
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				ltsvlog.Logger.Info().String("msg", "polling").Log()
			}
		}
	}()

	f2, err := reopenLog(mlflowexporter.Config{LogFile: second})
	require.NoError(t, err)
	require.NoError(t, f1.Close())
	ltsvlog.Logger.Info().String("msg", "after reopen").Log()
	close(stop)
	wg.Wait()
	require.NoError(t, f2.Close())

	buf, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(buf), "after reopen")
	buf, err = os.ReadFile(first)
	require.NoError(t, err)
	assert.NotContains(t, string(buf), "after reopen")
}
