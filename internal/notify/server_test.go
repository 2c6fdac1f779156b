package notify

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWaker struct {
	woken []string
}

func (f *fakeWaker) WakeAccount(accountID string) {
	f.woken = append(f.woken, accountID)
}

func TestSyncTriggerEndpoint(t *testing.T) {
	waker := &fakeWaker{}
	s := NewServer("127.0.0.1:0", NewHub(testLogger(), 1), waker, testLogger())

	srv := httptest.NewServer(s.srv.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/sync/acc-42", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []string{"acc-42"}, waker.woken)

	resp, err = http.Get(srv.URL + "/v1/sync/acc-42")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/sync/", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
