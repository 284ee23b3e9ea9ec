package tle

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Parse reads element sets in either 2-line or 3-line (named) format.
// Malformed entries are skipped with a warning log.
func Parse(r io.Reader, logger *slog.Logger) ([]Elements, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading element data: %w", err)
	}

	var out []Elements
	for i := 0; i+1 < len(lines); {
		name := ""
		if !strings.HasPrefix(lines[i], "1 ") {
			name = strings.TrimSpace(lines[i])
			i++
			if i+1 >= len(lines) {
				break
			}
		}
		line1, line2 := lines[i], lines[i+1]
		if !strings.HasPrefix(line1, "1 ") || !strings.HasPrefix(line2, "2 ") {
			logger.Warn("skipping malformed element entry", "line_index", i, "name", name)
			i++
			continue
		}
		i += 2

		e, err := parseLines(name, line1, line2)
		if err != nil {
			logger.Warn("skipping element entry", "name", name, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Select returns the entry for noradID, or the first entry when noradID is 0.
func Select(entries []Elements, noradID int) (Elements, error) {
	for _, e := range entries {
		if noradID == 0 || e.NORADID == noradID {
			return e, nil
		}
	}
	return Elements{}, fmt.Errorf("no element set for catalog number %d among %d entries", noradID, len(entries))
}

func parseLines(name, line1, line2 string) (Elements, error) {
	if len(line1) < 32 {
		return Elements{}, fmt.Errorf("line1 too short (%d chars)", len(line1))
	}
	noradStr := strings.TrimSpace(line1[2:7])
	noradID, err := strconv.Atoi(noradStr)
	if err != nil {
		return Elements{}, fmt.Errorf("invalid catalog number %q: %w", noradStr, err)
	}
	epoch, err := parseEpoch(strings.TrimSpace(line1[18:32]))
	if err != nil {
		return Elements{}, err
	}
	return Elements{
		NORADID: noradID,
		Name:    name,
		Epoch:   epoch,
		Line1:   line1,
		Line2:   line2,
	}, nil
}

// parseEpoch converts YYDDD.DDDDDDDD to a UTC time. Year 00-56 → 2000s, 57-99 → 1900s.
func parseEpoch(s string) (time.Time, error) {
	if len(s) < 5 {
		return time.Time{}, fmt.Errorf("epoch string too short: %q", s)
	}

	year, err := strconv.Atoi(s[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch year %q: %w", s[:2], err)
	}
	if year >= 57 {
		year += 1900
	} else {
		year += 2000
	}

	dayOfYear, err := strconv.ParseFloat(s[2:], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch day %q: %w", s[2:], err)
	}

	// dayOfYear is 1-based.
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return start.Add(time.Duration((dayOfYear - 1) * float64(24*time.Hour))), nil
}
