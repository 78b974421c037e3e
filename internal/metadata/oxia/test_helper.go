package oxia

import (
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// ExternalAddressEnv names an Oxia service to test against instead of an
// embedded one.
const ExternalAddressEnv = "OXIA_SERVICE_ADDRESS"

// StartTestServer returns the address of an Oxia service for integration
// tests. When ExternalAddressEnv is set that service is used; otherwise a
// standalone server is started in a temporary directory and stopped when the
// test ends.
func StartTestServer(t testing.TB) string {
	t.Helper()

	if addr := os.Getenv(ExternalAddressEnv); addr != "" {
		t.Logf("using external Oxia server at %s", addr)
		return addr
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to start embedded Oxia server: %v", err)
	}
	t.Cleanup(func() {
		if err := standalone.Close(); err != nil {
			t.Logf("closing embedded Oxia server: %v", err)
		}
	})
	return standalone.ServiceAddr()
}
