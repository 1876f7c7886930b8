package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const sessionCookie = "ASP.NET_SessionId"

// fakeLibrary serves the three library endpoints. Listing and renewal need
// the session cookie set at login.
type fakeLibrary struct {
	mu          sync.Mutex
	listStatus  int
	dueDates    []string
	loginCalls  int
	renewBodies [][]byte
}

func (f *fakeLibrary) listing() []byte {
	items := make([]map[string]any, 0, len(f.dueDates))
	for i, d := range f.dueDates {
		items = append(items, map[string]any{
			"Codigo":                1000 + i,
			"Titulo":                "Livro",
			"DataDevolucaoPrevista": d,
		})
	}
	body, _ := json.Marshal(map[string]any{
		"Result": map[string]any{"Data": items, "Total": len(items), "AggregateResults": nil, "Errors": nil},
	})
	return body
}

func (f *fakeLibrary) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/Login/Login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.loginCalls++
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "abc123", Path: "/"})
		_, _ = w.Write([]byte(`{"resultado":true}`))
	})
	mux.HandleFunc("/emprestimo/ListarCirculacoesEmAberto", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(sessionCookie); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.listStatus != 0 && f.listStatus != http.StatusOK {
			w.WriteHeader(f.listStatus)
			return
		}
		_, _ = w.Write(f.listing())
	})
	mux.HandleFunc("/emprestimo/Renovar", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.renewBodies = append(f.renewBodies, body)
		f.mu.Unlock()
		_, _ = w.Write([]byte("Renovação efetuada"))
	})
	return mux
}

func (f *fakeLibrary) counts() (logins, renewals int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, len(f.renewBodies)
}

func startLibrary(t *testing.T, f *fakeLibrary) string {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func dueIn(d time.Duration) string {
	return time.Now().UTC().Add(d).Format("2006-01-02T15:04:05")
}

// writeConfig writes a config file pointing at baseURL and returns its path
// and the data directory.
func writeConfig(t *testing.T, baseURL string, extra ...map[string]any) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	cfg := map[string]any{
		"library": map[string]any{
			"base_url":          baseURL,
			"renew_path":        "/emprestimo/Renovar",
			"timeout_seconds":   5,
			"due_date_timezone": "UTC",
		},
		"logging": map[string]any{
			"level":     "debug",
			"console":   true,
			"pretty":    false,
			"redaction": true,
		},
		"data_dir": dataDir,
	}
	for _, e := range extra {
		for k, v := range e {
			cfg[k] = v
		}
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "loanrenew.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, dataDir
}

func setCredentials(t *testing.T, id, secret string) {
	t.Helper()
	t.Setenv("identificacao", "")
	t.Setenv("psw", "")
	t.Setenv("LOANRENEW_CREDENTIALS_IDENTIFIER", id)
	t.Setenv("LOANRENEW_CREDENTIALS_SECRET", secret)
}

// resetFlags puts every flag of cmd and its children back to its default;
// the command tree is package state shared by all tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the root command with fresh flag values
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}
