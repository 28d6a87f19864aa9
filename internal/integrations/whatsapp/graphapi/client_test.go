package graphapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_Send_OK(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.X"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "1555000", 5*time.Second)
	err := c.Send(context.Background(), "+1555", "wamid.orig", "hello")
	require.NoError(t, err)
	require.Equal(t, "/1555000/messages", gotPath)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "whatsapp", gotBody["messaging_product"])
	require.Equal(t, "+1555", gotBody["to"])
	require.Equal(t, map[string]any{"message_id": "wamid.orig"}, gotBody["context"])
}

func TestClient_Send_NoReplyContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(b, &body)
		_, hasCtx := body["context"]
		require.False(t, hasCtx)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "1555000", 5*time.Second)
	require.NoError(t, c.Send(context.Background(), "+1555", "", "hello"))
}

func TestClient_Send_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "1555000", 5*time.Second)
	err := c.Send(context.Background(), "+1555", "", "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "http 500")
}
