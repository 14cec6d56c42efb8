package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Corphon/PersonaRelay/internal/config"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// mockServer 在 Shutdown 之前一直阻塞
type mockServer struct {
	mu             sync.Mutex
	shutdownCalled bool
	stop           chan struct{}
	listenErr      error
}

func newMockServer() *mockServer {
	return &mockServer{stop: make(chan struct{})}
}

func (m *mockServer) ListenAndServe() error {
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.shutdownCalled {
		m.shutdownCalled = true
		close(m.stop)
	}
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Server.LogDir = ""
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, Options{Logger: utils.NewNopLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewWiresRouter(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/personas", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewWithSQLiteStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "sqlite"
	a := newTestApp(t, cfg)

	_, err := os.Stat(filepath.Join(cfg.Storage.DataDir, "relay.db"))
	assert.NoError(t, err)
	assert.NotNil(t, a.MCPServer("", "test"))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "mongo"
	_, err := New(context.Background(), cfg, Options{Logger: utils.NewNopLogger()})
	assert.Error(t, err)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := newMockServer()
	a.server = srv

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, srv.shutdownCalled)
}

func TestRunReturnsListenError(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := newMockServer()
	srv.listenErr = errors.New("address already in use")
	a.server = srv

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
	assert.True(t, srv.shutdownCalled)
}

const seedYAML = `
personas:
  - id: alice
    name: Alice Moreau
    occupation: Lighthouse keeper
    personality_traits: [patient, wry]
    uploaded_files:
      - url: https://example.com/log.txt
        name: log.txt
  - id: bob
    name: Bob
groups:
  - id: harbour
    name: Harbour Watch
    persona_ids: [alice, bob]
`

func TestSeedFile(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0644))

	require.NoError(t, a.SeedFile(context.Background(), path))

	alice, err := a.Store.GetPersona(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Lighthouse keeper", alice.Occupation)
	assert.Equal(t, []string{"patient", "wry"}, alice.PersonalityTraits)
	require.Len(t, alice.UploadedFiles, 1)

	group, err := a.Store.GetGroup(context.Background(), "harbour")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, group.PersonaIDs)
}

func TestSeedRejectsUnknownMember(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	seed := &Seed{}
	require.NoError(t, yaml.Unmarshal([]byte(`groups: [{id: g, name: G, persona_ids: [ghost]}]`), seed))

	err := seed.Apply(context.Background(), a.Store, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestLoadSeedMissingFile(t *testing.T) {
	_, err := LoadSeed(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
