package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hayvi/roomy/internal/api"
	"github.com/Hayvi/roomy/internal/config"
	"github.com/Hayvi/roomy/internal/database"
	"github.com/Hayvi/roomy/internal/presence"
	"github.com/Hayvi/roomy/internal/server"
	"github.com/Hayvi/roomy/internal/stats"
	"github.com/Hayvi/roomy/internal/testutil"
	"github.com/Hayvi/roomy/internal/types"
	"github.com/stretchr/testify/require"
)

// testEnv is a complete backend: HTTP api, realtime hub and in-memory storage.
type testEnv struct {
	srv      *httptest.Server
	db       *database.MemoryChatRepository
	presence presence.Tracker
	requests atomic.Int64
}

func newTestEnv(t *testing.T, svc api.Services) *testEnv {
	t.Helper()

	logger := testutil.TestLogger(t)
	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	su.Run()

	if svc.Presence == nil {
		svc.Presence = presence.NewMemoryTracker(types.OnlineWindow)
	}

	env := &testEnv{
		db:       database.NewMemoryChatRepository(),
		presence: svc.Presence,
	}

	cs, err := server.NewChatServer(logger, env.db, svc.Presence, su)
	require.NoError(t, err)
	go cs.Run()

	env.srv = httptest.NewUnstartedServer(nil)
	app := api.NewGoChatApp(mux, logger, cs, env.db, su, svc, &config.Config{
		ServerAddr: env.srv.Listener.Addr().String(),
		SigningKey: []byte("test-signing-key"),
		PublicURL:  "http://" + env.srv.Listener.Addr().String(),
		SessionTTL: time.Hour,
	})
	handler := app.Handler()
	env.srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.requests.Add(1)
		handler.ServeHTTP(w, r)
	})
	env.srv.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cs.Shutdown(ctx)
		env.srv.Close()
	})

	return env
}

// newClient returns a client signed in as name.
func (e *testEnv) newClient(t *testing.T, name string) *Client {
	t.Helper()

	c := New(e.srv.URL, WithLogger(testutil.TestLogger(t)), WithIntervals(50*time.Millisecond, time.Hour))
	_, err := c.SignIn(context.Background(), name)
	require.NoError(t, err)
	return c
}

func (e *testEnv) connect(t *testing.T, c *Client) *Realtime {
	t.Helper()

	rt, err := c.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}
