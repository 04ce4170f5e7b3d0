package scout

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scout.yaml")
	err := os.WriteFile(path, []byte(`
serverHostnames:
  - ws://dc0.example.com:8787
  - ws://dc1.example.com:8787
disasterSafe: true
cacheSize: 64
cacheUpdateProtocol: CAUSAL_PERIODIC_REFRESH
cacheRefreshPeriodMillis: 250
deadlineMillis: 3000
logFilename: /tmp/scout-commits.db
`), 0o644)
	assert.Equal(t, err, nil)

	options, err := LoadOptions(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, options.ServerHostnames, []string{
		"ws://dc0.example.com:8787",
		"ws://dc1.example.com:8787",
	})
	assert.Equal(t, options.DisasterSafe, true)
	assert.Equal(t, options.CacheSize, 64)
	assert.Equal(t, options.CacheUpdateProtocol, CausalPeriodicRefresh)
	assert.Equal(t, options.cacheRefreshPeriod(), 250*time.Millisecond)
	assert.Equal(t, options.deadline(), 3*time.Second)
	// defaults survive for unset fields
	assert.Equal(t, options.MaxCommitBatchSize, DefaultOptions().MaxCommitBatchSize)
}

func TestLoadOptionsRejectsUnknownProtocol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scout.yaml")
	err := os.WriteFile(path, []byte("cacheUpdateProtocol: BOGUS\n"), 0o644)
	assert.Equal(t, err, nil)

	_, err = LoadOptions(path)
	assert.Equal(t, errors.Is(err, ErrUnsupported), true)
}

func TestParseServerHostnames(t *testing.T) {
	options := DefaultOptions()
	options.ParseServerHostnames("ws://a:1, ws://b:2 ,")
	assert.Equal(t, options.ServerHostnames, []string{"ws://a:1", "ws://b:2"})
}
