package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid dotted keys in the config file.
var knownKeys = map[string]bool{
	"provider": true, "provider.base_url": true, "provider.account": true,
	"provider.secret": true, "provider.request_timeout": true,

	"coordinator": true, "coordinator.pacing_interval": true, "coordinator.max_pacing_interval": true,
	"coordinator.rate_limit_cooldown": true, "coordinator.max_attempts": true,
	"coordinator.operation_timeout": true, "coordinator.retry_backoff": true,
	"coordinator.retry_max_backoff": true, "coordinator.max_pending": true,
	"coordinator.dedupe_window": true, "coordinator.summary_retention": true,

	"coordinator.codes": true, "coordinator.codes.success": true, "coordinator.codes.retryable": true,
	"coordinator.codes.rate_limited": true, "coordinator.codes.invalid_target": true,
	"coordinator.codes.rejected": true, "coordinator.codes.auth": true,

	"session": true, "session.login_attempts": true, "session.login_backoff": true,
	"session.expiry_skew": true, "session.cache_file": true,

	"storage": true, "storage.db_path": true,
	"server": true, "server.listen": true,
	"logging": true, "logging.log_level": true, "logging.log_format": true,

	"metrics": true, "metrics.enabled": true, "metrics.endpoint": true,
	"metrics.insecure": true, "metrics.interval": true,
}

// knownKeysList is the sorted slice form of knownKeys for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key. Keys under
// an unknown table are reported once, at the table.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	unknown := make(map[string]bool, len(undecoded))
	for _, key := range undecoded {
		unknown[key.String()] = true
	}

	var errs []error

	for _, key := range undecoded {
		keyStr := key.String()
		if parentUnknown(keyStr, unknown) {
			continue
		}

		errs = append(errs, buildKeyError(keyStr))
	}

	return errors.Join(errs...)
}

func parentUnknown(key string, unknown map[string]bool) bool {
	for i := strings.LastIndexByte(key, '.'); i > 0; i = strings.LastIndexByte(key[:i], '.') {
		if unknown[key[:i]] {
			return true
		}
	}

	return false
}

// buildKeyError creates a descriptive error for an unknown key, optionally
// suggesting the closest known key.
func buildKeyError(keyStr string) error {
	suggestion := closestMatch(keyStr, knownKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", keyStr, suggestion)
	}

	return fmt.Errorf("unknown config key %q", keyStr)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
