package control

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyzb/chunkrelay/internal/config"
	"github.com/dannyzb/chunkrelay/internal/protocol"
	"github.com/dannyzb/chunkrelay/internal/registry"
	"github.com/dannyzb/chunkrelay/internal/transfer"
)

type fakeHandle struct{}

func (fakeHandle) Close() error { return nil }

type fakeSender struct{}

func (fakeSender) Send(clientID string, msg protocol.Message) error { return nil }

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(log.Default)
	mgr := transfer.NewManager(fakeSender{}, reg, config.Default(), log.Default)
	return New(mgr, reg, "*", log.Default), reg
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartDownloadRejectsDisconnectedClient(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/downloads", startDownloadRequest{ClientID: "A", FilePath: "/f"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "CLIENT_NOT_CONNECTED", errBody["code"])
}

func TestStartAndGetDownload(t *testing.T) {
	s, reg := newTestServer(t)
	tempID := reg.Attach(fakeHandle{})
	_, err := reg.Promote(tempID, "A", nil)
	require.NoError(t, err)

	w := doJSON(t, s, http.MethodPost, "/downloads", startDownloadRequest{ClientID: "A", FilePath: "/f"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var started map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	requestID := started["requestId"].(string)
	require.NotEmpty(t, requestID)

	w = doJSON(t, s, http.MethodGet, "/downloads/"+requestID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/downloads", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodDelete, "/downloads/"+requestID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetUnknownDownloadReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/downloads/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetUnknownClientReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/clients/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListClients(t *testing.T) {
	s, reg := newTestServer(t)
	tempID := reg.Attach(fakeHandle{})
	_, err := reg.Promote(tempID, "A", map[string]string{"hostname": "box1"})
	require.NoError(t, err)

	w := doJSON(t, s, http.MethodGet, "/clients", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	clients := body["clients"].([]interface{})
	require.Len(t, clients, 1)
}
