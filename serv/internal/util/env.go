package util

import (
	"strings"

	"github.com/spf13/viper"
)

// SetKeyValue overlays one environment variable onto a viper instance. The
// prefix is stripped and the remainder lowercased, so DS_HOST_PORT becomes
// the host_port key.
func SetKeyValue(vi *viper.Viper, key, value string) {
	if i := strings.Index(key, "_"); i >= 0 {
		key = key[i+1:]
	}
	vi.Set(strings.ToLower(key), value)
}
