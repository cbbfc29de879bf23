package transfer

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"r2clone/internal/events"
)

// Log levels attached to TypeLog events.
const (
	LevelInfo  = "info"
	LevelError = "error"
	LevelFatal = "fatal"
)

var (
	// "512 MiB / 1 GiB, 50%, 10 MiB/s, ETA 30s" (--stats-one-line); "-" replaces
	// the percentage while the total is still unknown
	reStats = regexp.MustCompile(`([0-9.]+\s*[KMGTPE]?i?B) / ([0-9.]+\s*[KMGTPE]?i?B), (-|[0-9]+)%?, ([0-9.]+\s*[KMGTPE]?i?B/s), ETA (\S+)`)
	// "Transferred:   10.000M / 100.000 MBytes, 10%, 2.000 MBytes/s, ETA 45s" (older multi-line block)
	reLegacyStats = regexp.MustCompile(`Transferred:\s+([0-9.]+\s*[kKMGTPE]?(?:i?B|Bytes)?)\s*/\s*([0-9.]+\s*[kKMGTPE]?(?:i?B|Bytes)?),\s*(-|[0-9]+)%,\s*([0-9.]+\s*[kKMGTPE]?(?:i?B|Bytes)?/s),\s*ETA\s+(\S+)`)
	// " *   photos/a.jpg: 40% /100Mi, 1Mi/s, 30s"
	reLegacyInFlight = regexp.MustCompile(`^\*\s+(.+?):\s*[0-9]+%`)
	reCopied         = regexp.MustCompile(`(?:INFO|NOTICE|DEBUG)\s*:\s*(.+?):\s+(?:Multi-thread\s+)?Copied\s+\(`)
	reSkipped        = regexp.MustCompile(`(?:INFO|NOTICE|DEBUG)\s*:\s*(.+?):\s+(?:Unchanged skipping|Skipped (?:copy|update))`)
	reFatal          = regexp.MustCompile(`Fatal error|Failed to create file system|CRITICAL\s*:`)
	reError          = regexp.MustCompile(`ERROR\s*:|Failed to `)
)

const nothingToTransfer = "There was nothing to transfer"

// Parser turns transfer tool output into events. Each line is classified on
// its own; the only state carried between lines belongs to the run: the
// pre-scanned total, the in-flight file and what has already been reported.
type Parser struct {
	prescanned int64
	current    string
	copied     map[string]struct{}
	skipped    map[string]struct{}
	nothing    bool
}

// NewParser creates a parser for one run. prescannedTotal <= 0 means unknown.
func NewParser(prescannedTotal int64) *Parser {
	return &Parser{
		prescanned: prescannedTotal,
		copied:     make(map[string]struct{}),
		skipped:    make(map[string]struct{}),
	}
}

// MarkNothingToTransfer records that nothing-to-transfer was already reported.
func (p *Parser) MarkNothingToTransfer() {
	p.nothing = true
}

// ParseLine classifies a single line. ok is false when the line was consumed
// without producing an event.
func (p *Parser) ParseLine(raw string) (events.Event, bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return events.Event{}, false
	}

	if m := reStats.FindStringSubmatch(line); m != nil {
		return events.New(events.TypeProgress, p.progress(m)), true
	}
	if m := reLegacyStats.FindStringSubmatch(line); m != nil {
		return events.New(events.TypeProgress, p.progress(m)), true
	}
	if m := reLegacyInFlight.FindStringSubmatch(line); m != nil {
		name := strings.TrimSpace(m[1])
		if _, done := p.copied[name]; !done {
			p.current = name
		}
		return events.Event{}, false
	}
	if m := reCopied.FindStringSubmatch(line); m != nil {
		name := strings.TrimSpace(m[1])
		if _, seen := p.copied[name]; seen {
			return events.Event{}, false
		}
		p.copied[name] = struct{}{}
		if p.current == name {
			p.current = ""
		}
		return events.New(events.TypeFileTransferred, events.File{Name: name}), true
	}
	if m := reSkipped.FindStringSubmatch(line); m != nil {
		name := strings.TrimSpace(m[1])
		if _, seen := p.skipped[name]; seen {
			return events.Event{}, false
		}
		p.skipped[name] = struct{}{}
		return events.New(events.TypeFileSkipped, events.File{Name: name}), true
	}
	if strings.Contains(line, nothingToTransfer) {
		if p.nothing {
			return events.Event{}, false
		}
		p.nothing = true
		return events.New(events.TypeNothingToTransfer, nil), true
	}
	if reFatal.MatchString(line) {
		return events.New(events.TypeLog, events.Log{Level: LevelFatal, Message: line}), true
	}
	if reError.MatchString(line) {
		return events.New(events.TypeLog, events.Log{Level: LevelError, Message: line}), true
	}
	return events.New(events.TypeLog, events.Log{Level: LevelInfo, Message: line}), true
}

func (p *Parser) progress(m []string) events.Progress {
	transferred := strings.TrimSpace(m[1])
	total := strings.TrimSpace(m[2])

	s := events.Progress{
		Transferred: transferred,
		Total:       total,
		CurrentFile: p.current,
		ETA:         m[5],
	}
	s.TransferredBytes, _ = ParseSize(transferred)
	s.TotalBytes, _ = ParseSize(total)

	if pct, err := strconv.Atoi(m[3]); err == nil {
		s.Percentage = pct
	}

	// The tool's own total grows as it discovers files; against the
	// pre-scanned total the bar never moves backwards.
	if p.prescanned > 0 {
		pct := math.Round(float64(s.TransferredBytes) / float64(p.prescanned) * 100)
		s.Percentage = int(math.Min(100, pct))
		s.Total = FormatIEC(p.prescanned)
		s.TotalBytes = p.prescanned
	}

	if bps, err := ParseRate(m[4]); err == nil {
		s.Speed = FormatBitRate(bps)
	} else {
		s.Speed = strings.TrimSpace(m[4])
	}
	return s
}
