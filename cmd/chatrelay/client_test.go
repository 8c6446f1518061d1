package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func withAddr(t *testing.T, url string) {
	t.Helper()
	old := addr
	addr = url
	t.Cleanup(func() { addr = old })
}

func TestSendPostsSendRequest(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	withAddr(t, srv.URL)

	sendTarget = "bob"
	var out bytes.Buffer
	sendCmd.SetOut(&out)
	require.NoError(t, runSend(sendCmd, []string{"hello", "there"}))

	require.JSONEq(t, `{"Send":{"target":"bob","message":"hello there"}}`, got)
	require.Equal(t, "sent to bob\n", out.String())
}

func TestSendReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "relay: send addressed to the local node", http.StatusBadRequest)
	}))
	defer srv.Close()
	withAddr(t, srv.URL)

	sendTarget = "alice"
	err := runSend(sendCmd, []string{"hi"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
}

func TestHistoryPrintsConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"History":{"messages":{
			"carol":[{"author":"carol","content":"hey"}],
			"bob":[{"author":"alice","content":"hi"},{"author":"bob","content":"yo"}]
		}}}`))
	}))
	defer srv.Close()
	withAddr(t, srv.URL)

	var out bytes.Buffer
	historyCmd.SetOut(&out)
	require.NoError(t, runHistory(historyCmd, nil))
	require.Equal(t, "== bob ==\nalice: hi\nbob: yo\n== carol ==\ncarol: hey\n", out.String())

	out.Reset()
	require.NoError(t, runHistory(historyCmd, []string{"carol"}))
	require.Equal(t, "== carol ==\ncarol: hey\n", out.String())
}

func withPaths(t *testing.T, chat, ws string) {
	t.Helper()
	oldChat, oldWS := chatPath, wsPath
	chatPath, wsPath = chat, ws
	t.Cleanup(func() { chatPath, wsPath = oldChat, oldWS })
}

func TestClientCommandsFollowConfiguredPaths(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"History":{"messages":{}}}`))
	}))
	defer srv.Close()
	withAddr(t, srv.URL+"/")
	withPaths(t, "/relay/messages", "/relay/live")

	historyCmd.SetOut(io.Discard)
	require.NoError(t, runHistory(historyCmd, nil))
	require.Equal(t, "/relay/messages", gotPath)

	require.Equal(t, "ws"+srv.URL[len("http"):]+"/relay/live", watchURL())
}
