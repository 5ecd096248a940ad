// Package boot turns the kernel command line into the configuration and the
// physical memory map consumed by the rest of the kernel.
package boot

import "strings"

// ParseCmdLine splits the supplied command line into key/value pairs. Each
// argument is expected to have the format "key=value". Arguments without an
// assignment ("nofoo") are stored as "nofoo=nofoo".
func ParseCmdLine(cmdLine string) map[string]string {
	kv := make(map[string]string)
	for _, arg := range strings.Fields(cmdLine) {
		if key, value, ok := strings.Cut(arg, "="); ok {
			kv[key] = value
			continue
		}
		kv[arg] = arg
	}

	return kv
}
