package executor

import (
	"fmt"
	"regexp"
)

// Exit codes of the transfer tool that get their own category.
const (
	exitTemporary = 5
)

var reConnection = regexp.MustCompile(`(?i)dial tcp|connection refused|connection reset|no such host|i/o timeout|TLS handshake|network is unreachable`)

// DescribeExit maps an exit code and the last error line onto a message for
// users. Raw codes are only shown for the generic category.
func DescribeExit(exitCode int, lastErr string) string {
	switch {
	case exitCode < 0:
		return "Transfer terminated unexpectedly"
	case exitCode == exitTemporary || reConnection.MatchString(lastErr):
		if lastErr != "" {
			return "Connection error: could not reach remote storage (" + lastErr + ")"
		}
		return "Connection error: could not reach remote storage"
	default:
		if lastErr != "" {
			return fmt.Sprintf("Transfer failed (exit code %d): %s", exitCode, lastErr)
		}
		return fmt.Sprintf("Transfer failed (exit code %d)", exitCode)
	}
}
