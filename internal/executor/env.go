package executor

import (
	"strings"
)

// Child processes run with a filtered copy of the daemon environment. The
// daemon may hold credentials (backup storage keys, MYSQL_PWD) that tools
// such as tar or certbot have no business seeing.

var envAllowlist = map[string]bool{
	"PATH":     true,
	"LANG":     true,
	"LANGUAGE": true,
	"LC_ALL":   true,
	"TERM":     true,
	"HOME":     true,
	"USER":     true,
	"LOGNAME":  true,
	"TZ":       true,
	"TMPDIR":   true,
}

// envBlocklist wins over the allowlist.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"MYSQL_PWD":       true,
	"SUDO_ASKPASS":    true,
}

// blockedPrefixes drops whole families of variables.
var blockedPrefixes = []string{"SUPERD_", "AWS_", "MINIO_"}

const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ScrubEnvironment filters env through the allowlist and blocklist. A PATH
// is always present in the result.
func ScrubEnvironment(env []string) []string {
	scrubbed := make([]string, 0, len(env)+1)
	hasPath := false

	for _, entry := range env {
		key := envKey(entry)

		if envBlocklist[key] || hasBlockedPrefix(key) {
			continue
		}

		if envAllowlist[key] {
			if key == "PATH" {
				hasPath = true
			}
			scrubbed = append(scrubbed, entry)
		}
	}

	if !hasPath {
		scrubbed = append(scrubbed, defaultPath)
	}
	return scrubbed
}

func hasBlockedPrefix(key string) bool {
	for _, p := range blockedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// envKey extracts the key from a "KEY=VALUE" environment entry.
func envKey(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}
