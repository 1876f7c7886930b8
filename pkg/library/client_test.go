package library

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingBody = `{
	"Result": {
		"Data": [
			{
				"Codigo": 349533,
				"Titulo": "Introdução ao teste de software",
				"CodigoBarras": 2517,
				"DataEmprestimo": "2024-11-12T00:00:00",
				"DataDevolucaoPrevista": "2024-11-19T00:00:00",
				"DataDevolucao": null,
				"TipoEmprestimoCategoria": 3
			},
			{
				"Codigo": 349537,
				"Titulo": "Estruturas de dados usando C",
				"NumeroChamada": "005.134 T292e",
				"DataDevolucaoPrevista": "2024-11-21T00:00:00",
				"DataDevolucao": null
			}
		],
		"Total": 2,
		"AggregateResults": null,
		"Errors": null
	},
	"Page": null,
	"Index": null
}`

const sessionCookie = "ASP.NET_SessionId"

// fakeLibrary is a minimal backend: login sets a cookie, listing and renewal
// require it.
type fakeLibrary struct {
	mu          sync.Mutex
	loginStatus int
	listStatus  int
	listBody    string
	renewStatus int
	loginBodies [][]byte
	loginCT     string
	renewBodies [][]byte
	renewCT     string
	listCalls   int
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		loginStatus: http.StatusOK,
		listStatus:  http.StatusOK,
		listBody:    listingBody,
		renewStatus: http.StatusOK,
	}
}

func (f *fakeLibrary) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/Login/Login", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.loginBodies = append(f.loginBodies, body)
		f.loginCT = r.Header.Get("Content-Type")
		status := f.loginStatus
		f.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "abc123", Path: "/"})
		_, _ = w.Write([]byte(`{"resultado":true,"temAviso":false}`))
	})
	mux.HandleFunc("/emprestimo/ListarCirculacoesEmAberto", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(sessionCookie); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.listCalls++
		status, body := f.listStatus, f.listBody
		f.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/emprestimo/Renovar", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(sessionCookie); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.renewBodies = append(f.renewBodies, body)
		f.renewCT = r.Header.Get("Content-Type")
		status := f.renewStatus
		f.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("Renovação realizada com sucesso."))
	})
	return mux
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveRequest(stage Stage, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, string(stage)+":"+status)
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) (*Client, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	opts = append([]Option{WithLogger(zerolog.New(buf))}, opts...)
	client, err := NewClient(ClientConfig{
		BaseURL:   baseURL,
		RenewPath: "/emprestimo/Renovar",
		Timeout:   5 * time.Second,
	}, opts...)
	require.NoError(t, err)
	return client, buf
}

var testCreds = Credentials{Identifier: "12345", Secret: "s3nh4"}

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c, err := NewClient(ClientConfig{})
		require.NoError(t, err)
		assert.Equal(t, "https://biblioteca.iftm.edu.br/Login/Login", c.loginURL)
		assert.Equal(t, "https://biblioteca.iftm.edu.br/emprestimo/ListarCirculacoesEmAberto", c.listURL)
		assert.Equal(t, DefaultTimeout, c.cfg.Timeout)
	})

	t.Run("invalid base url", func(t *testing.T) {
		_, err := NewClient(ClientConfig{BaseURL: "not a url"})
		assert.Error(t, err)
	})
}

func TestAuthenticate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		lib := newFakeLibrary()
		srv := httptest.NewServer(lib.handler())
		defer srv.Close()

		client, _ := newTestClient(t, srv.URL)
		sess, err := client.Authenticate(context.Background(), testCreds)
		require.NoError(t, err)
		require.NotNil(t, sess)

		require.Len(t, lib.loginBodies, 1)
		assert.Equal(t, "application/json", lib.loginCT)

		var sent map[string]string
		require.NoError(t, json.Unmarshal(lib.loginBodies[0], &sent))
		assert.Equal(t, "12345", sent["identificacao"])
		assert.Equal(t, "s3nh4", sent["senha"])
	})

	t.Run("missing credentials never hit the network", func(t *testing.T) {
		lib := newFakeLibrary()
		srv := httptest.NewServer(lib.handler())
		defer srv.Close()

		client, _ := newTestClient(t, srv.URL)
		sess, err := client.Authenticate(context.Background(), Credentials{Identifier: "12345"})
		assert.Nil(t, sess)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingCredentials)
		assert.True(t, IsAuthError(err))
		assert.Empty(t, lib.loginBodies)
	})

	t.Run("rejected login", func(t *testing.T) {
		lib := newFakeLibrary()
		lib.loginStatus = http.StatusInternalServerError
		srv := httptest.NewServer(lib.handler())
		defer srv.Close()

		client, _ := newTestClient(t, srv.URL)
		sess, err := client.Authenticate(context.Background(), testCreds)
		assert.Nil(t, sess)
		require.Error(t, err)
		assert.True(t, IsAuthError(err))
		assert.Equal(t, http.StatusInternalServerError, StatusCode(err))

		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "protocol", se.Kind())
	})

	t.Run("unreachable backend", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		baseURL := srv.URL
		srv.Close()

		client, _ := newTestClient(t, baseURL)
		_, err := client.Authenticate(context.Background(), testCreds)
		require.Error(t, err)
		assert.True(t, IsAuthError(err))

		var te *TransportError
		assert.ErrorAs(t, err, &te)
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "transport", se.Kind())
	})
}

func TestListOpenLoans(t *testing.T) {
	t.Run("carries the session cookie and keeps Result verbatim", func(t *testing.T) {
		lib := newFakeLibrary()
		srv := httptest.NewServer(lib.handler())
		defer srv.Close()

		client, _ := newTestClient(t, srv.URL)
		sess, err := client.Authenticate(context.Background(), testCreds)
		require.NoError(t, err)

		batch, err := client.ListOpenLoans(context.Background(), sess)
		require.NoError(t, err)
		require.Len(t, batch.Records, 2)
		assert.Equal(t, 2, batch.Total)
		assert.Equal(t, "2024-11-19T00:00:00", batch.Records[0].DueDate)
		assert.True(t, batch.Records[0].HasDueDate)
		assert.Equal(t, 1, batch.Records[1].Index)

		var full map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(listingBody), &full))
		assert.Equal(t, string(full["Result"]), string(batch.Result))
	})

	t.Run("nil session", func(t *testing.T) {
		client, _ := newTestClient(t, "http://127.0.0.1:1")
		_, err := client.ListOpenLoans(context.Background(), nil)
		assert.ErrorIs(t, err, ErrNoSession)
		assert.True(t, IsQueryError(err))
	})

	t.Run("unauthorized", func(t *testing.T) {
		lib := newFakeLibrary()
		lib.listStatus = http.StatusUnauthorized
		srv := httptest.NewServer(lib.handler())
		defer srv.Close()

		client, logs := newTestClient(t, srv.URL)
		sess, err := client.Authenticate(context.Background(), testCreds)
		require.NoError(t, err)

		_, err = client.ListOpenLoans(context.Background(), sess)
		require.Error(t, err)
		assert.True(t, IsQueryError(err))
		assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
		assert.Contains(t, err.Error(), "401 Unauthorized")
		assert.Contains(t, logs.String(), `"stage":"list"`)
	})

	t.Run("empty listing", func(t *testing.T) {
		lib := newFakeLibrary()
		lib.listBody = `{"Result":{"Data":[],"Total":0}}`
		srv := httptest.NewServer(lib.handler())
		defer srv.Close()

		client, _ := newTestClient(t, srv.URL)
		sess, err := client.Authenticate(context.Background(), testCreds)
		require.NoError(t, err)

		batch, err := client.ListOpenLoans(context.Background(), sess)
		require.NoError(t, err)
		assert.True(t, batch.Empty())
		assert.Equal(t, 0, batch.Total)
	})

	t.Run("total defaults to record count", func(t *testing.T) {
		lib := newFakeLibrary()
		lib.listBody = `{"Result":{"Data":[{"DataDevolucaoPrevista":"2024-11-15T23:59:59"}]}}`
		srv := httptest.NewServer(lib.handler())
		defer srv.Close()

		client, _ := newTestClient(t, srv.URL)
		sess, err := client.Authenticate(context.Background(), testCreds)
		require.NoError(t, err)

		batch, err := client.ListOpenLoans(context.Background(), sess)
		require.NoError(t, err)
		assert.Equal(t, 1, batch.Total)
	})

	t.Run("null due date is kept but flagged", func(t *testing.T) {
		lib := newFakeLibrary()
		lib.listBody = `{"Result":{"Data":[{"DataDevolucaoPrevista":null}],"Total":1}}`
		srv := httptest.NewServer(lib.handler())
		defer srv.Close()

		client, _ := newTestClient(t, srv.URL)
		sess, err := client.Authenticate(context.Background(), testCreds)
		require.NoError(t, err)

		batch, err := client.ListOpenLoans(context.Background(), sess)
		require.NoError(t, err)
		require.Len(t, batch.Records, 1)
		assert.False(t, batch.Records[0].HasDueDate)
	})

	t.Run("malformed body", func(t *testing.T) {
		bodies := map[string]string{
			"not json":       `<html>login</html>`,
			"missing Result": `{"Data":[]}`,
			"Data not array": `{"Result":{"Data":{},"Total":0}}`,
		}
		for name, body := range bodies {
			t.Run(name, func(t *testing.T) {
				lib := newFakeLibrary()
				lib.listBody = body
				srv := httptest.NewServer(lib.handler())
				defer srv.Close()

				client, _ := newTestClient(t, srv.URL)
				sess, err := client.Authenticate(context.Background(), testCreds)
				require.NoError(t, err)

				_, err = client.ListOpenLoans(context.Background(), sess)
				require.Error(t, err)
				assert.True(t, IsQueryError(err))
				var de *DecodeError
				assert.True(t, errors.As(err, &de))
			})
		}
	})
}

func TestSubmitRenewal(t *testing.T) {
	t.Run("forwards Result byte for byte", func(t *testing.T) {
		lib := newFakeLibrary()
		srv := httptest.NewServer(lib.handler())
		defer srv.Close()

		obs := &recordingObserver{}
		client, _ := newTestClient(t, srv.URL, WithObserver(obs))
		sess, err := client.Authenticate(context.Background(), testCreds)
		require.NoError(t, err)
		batch, err := client.ListOpenLoans(context.Background(), sess)
		require.NoError(t, err)

		out, err := client.SubmitRenewal(context.Background(), sess, batch)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, out.StatusCode)
		assert.Equal(t, "Renovação realizada com sucesso.", out.Text)

		require.Len(t, lib.renewBodies, 1)
		assert.Equal(t, []byte(batch.Result), lib.renewBodies[0])
		assert.Equal(t, "application/json", lib.renewCT)

		assert.Equal(t, []string{"authenticate:200", "list:200", "renew:200"}, obs.calls)
	})

	t.Run("backend failure", func(t *testing.T) {
		lib := newFakeLibrary()
		lib.renewStatus = http.StatusBadGateway
		srv := httptest.NewServer(lib.handler())
		defer srv.Close()

		client, _ := newTestClient(t, srv.URL)
		sess, err := client.Authenticate(context.Background(), testCreds)
		require.NoError(t, err)
		batch, err := client.ListOpenLoans(context.Background(), sess)
		require.NoError(t, err)

		out, err := client.SubmitRenewal(context.Background(), sess, batch)
		assert.Nil(t, out)
		require.Error(t, err)
		assert.True(t, IsRenewalError(err))
		assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	})

	t.Run("missing inputs", func(t *testing.T) {
		client, _ := newTestClient(t, "http://127.0.0.1:1")

		_, err := client.SubmitRenewal(context.Background(), nil, &LoanBatch{Result: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrNoSession)

		sess := &Session{client: http.DefaultClient}
		_, err = client.SubmitRenewal(context.Background(), sess, nil)
		assert.ErrorIs(t, err, ErrNoBatch)
		assert.True(t, IsRenewalError(err))
	})
}

func TestSessionsAreIndependent(t *testing.T) {
	lib := newFakeLibrary()
	srv := httptest.NewServer(lib.handler())
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.Authenticate(context.Background(), testCreds)
	require.NoError(t, err)

	// A session that never logged in has no cookie and is rejected.
	fresh := &Session{client: &http.Client{}}
	_, err = client.ListOpenLoans(context.Background(), fresh)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
}
