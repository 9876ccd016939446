// ABOUTME: Stable device identity for HiveMind nodes
// ABOUTME: Hashes a persisted seed with host fingerprint into hm_<16 hex>
package deviceid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const seedFileName = "device_seed"

// Generate returns a stable device ID of the form hm_<16 hex chars>. The ID
// is derived from a per-install seed plus host fingerprint, so it survives
// restarts but differs across machines.
func Generate() string {
	seed := readOrCreateSeed()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	raw := strings.Join([]string{hostname, runtime.GOOS + "-" + runtime.GOARCH, seed}, "|")
	sum := sha256.Sum256([]byte(raw))
	return "hm_" + hex.EncodeToString(sum[:])[:16]
}

// Metadata builds the node metadata map sent with a join request.
func Metadata(deviceName string) map[string]interface{} {
	if deviceName == "" {
		if hn, err := os.Hostname(); err == nil {
			deviceName = hn
		} else {
			deviceName = "hivemind-node"
		}
	}

	return map[string]interface{}{
		"device_id":           Generate(),
		"device_name":         deviceName,
		"latency_profile_ms":  50,
		"speaker_power_score": 0.5,
		"join_time":           time.Now().Unix(),
	}
}

// readOrCreateSeed loads the persisted seed, creating one on first use.
// Falls back to an ephemeral seed when the config dir is unwritable.
func readOrCreateSeed() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return uuid.New().String()
	}

	path := filepath.Join(dir, "hivemind", seedFileName)
	if data, err := os.ReadFile(path); err == nil {
		if seed := strings.TrimSpace(string(data)); seed != "" {
			return seed
		}
	}

	seed := strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return seed
	}
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return seed
	}
	return seed
}

// DisplayName returns a friendly default name for this machine.
func DisplayName() string {
	hn, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("node-%s", Generate()[3:9])
	}
	return hn
}
