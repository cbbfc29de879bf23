package transfer

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
)

var reSize = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([kKMGTPE]?)(?:i?B|Bytes|bytes)?$`)

// ParseSize parses a size as the transfer tool prints it ("512 MiB", "1.5G",
// "100.000 MBytes"). The tool reports binary units whatever the suffix says,
// so every prefix is read as 1024-based.
func ParseSize(s string) (int64, error) {
	m := reSize.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("unrecognized size %q", s)
	}
	unit := "B"
	if m[2] != "" {
		unit = strings.ToUpper(m[2]) + "iB"
	}
	n, err := humanize.ParseBytes(m[1] + " " + unit)
	if err != nil {
		return 0, fmt.Errorf("unrecognized size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(n), nil
}

// ParseRate parses a byte rate such as "10 MiB/s" into bytes per second.
func ParseRate(s string) (float64, error) {
	x := strings.TrimSpace(s)
	if !strings.HasSuffix(x, "/s") {
		return 0, fmt.Errorf("unrecognized rate %q", s)
	}
	n, err := ParseSize(strings.TrimSuffix(x, "/s"))
	if err != nil {
		return 0, err
	}
	return float64(n), nil
}

// FormatIEC renders a byte count with two decimals and a binary unit: "2.00 GiB".
func FormatIEC(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for q := n / unit; q >= unit; q /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatBitRate renders bytes/sec as a decimal bit rate: 10 MiB/s -> "83.89 Mbps".
func FormatBitRate(bytesPerSec float64) string {
	bits := bytesPerSec * 8
	units := []string{"bps", "Kbps", "Mbps", "Gbps", "Tbps"}
	i := 0
	for bits >= 1000 && i < len(units)-1 {
		bits /= 1000
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f %s", bits, units[i])
	}
	return fmt.Sprintf("%.2f %s", bits, units[i])
}
