// ABOUTME: Build identity reported by the CLI and the dashboard
package version

import "fmt"

const (
	Version = "0.1.0"
	Product = "HiveMind"
)

// String returns the banner form, e.g. "HiveMind v0.1.0".
func String() string {
	return fmt.Sprintf("%s v%s", Product, Version)
}
