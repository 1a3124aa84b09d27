//go:build !linux

package firewall

// OpenNetlinkSets is only available on linux.
func OpenNetlinkSets() (SetStore, error) {
	return nil, errUnsupportedPlatform
}
