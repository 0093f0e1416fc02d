package app

import (
	"fmt"
	"os"
	"sync"
)

const testModeEnv = "MARGINSCOUT_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return os.Getenv(testModeEnv) == "1"
})

// InTestMode reports whether binaries should skip runtime side effects.
func InTestMode() bool {
	return testMode()
}

// PrepareDirs creates the on-disk locations the API and worker share.
func PrepareDirs(cfg *Config) error {
	if cfg == nil || cfg.UploadDir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("app: create upload dir: %w", err)
	}
	return nil
}
