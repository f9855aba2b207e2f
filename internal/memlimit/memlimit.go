// Package memlimit parses idle memory limits and samples memory usage.
package memlimit

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/procfs"
)

// Limit is an idle memory threshold: either an absolute byte count or a
// fraction of total system memory. The zero Limit means "no limit".
type Limit struct {
	Bytes    uint64
	Fraction float64
}

// Parse reads a limit. Accepted forms:
//
//	""  or "0"      no limit
//	"0.25"          fraction of total memory (any number in (0, 1])
//	"25%"           fraction of total memory
//	"512MB", "1GiB" absolute size
//	"1048576"       absolute size in bytes
func Parse(s string) (Limit, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return Limit{}, nil
	}

	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil || v <= 0 || v > 100 {
			return Limit{}, fmt.Errorf("invalid memory limit %q: percentage must be in (0, 100]", s)
		}
		return Limit{Fraction: v / 100}, nil
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		switch {
		case v < 0 || math.IsNaN(v) || math.IsInf(v, 0):
			return Limit{}, fmt.Errorf("invalid memory limit %q", s)
		case v == 0:
			return Limit{}, nil
		case v <= 1:
			return Limit{Fraction: v}, nil
		default:
			return Limit{Bytes: uint64(v)}, nil
		}
	}

	b, err := humanize.ParseBytes(s)
	if err != nil {
		return Limit{}, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	return Limit{Bytes: b}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Limit {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}

// Enabled reports whether l sets a limit.
func (l Limit) Enabled() bool {
	return l.Bytes > 0 || l.Fraction > 0
}

// Resolve converts l to bytes given the total system memory.
// It returns 0 when l is not enabled.
func (l Limit) Resolve(total uint64) uint64 {
	if l.Bytes > 0 {
		return l.Bytes
	}
	if l.Fraction > 0 {
		return uint64(math.Floor(float64(total) * l.Fraction))
	}
	return 0
}

func (l Limit) String() string {
	switch {
	case l.Bytes > 0:
		return humanize.IBytes(l.Bytes)
	case l.Fraction > 0:
		return strconv.FormatFloat(l.Fraction*100, 'f', -1, 64) + "%"
	}
	return "none"
}

// TotalMemory reports the total system memory in bytes.
func TotalMemory() (uint64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, fmt.Errorf("open procfs: %w", err)
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil {
		return 0, fmt.Errorf("meminfo has no MemTotal")
	}
	return *mi.MemTotal * 1024, nil
}

// ResidentMemory reports the resident set size of the calling process.
func ResidentMemory() (uint64, error) {
	p, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("open self: %w", err)
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, fmt.Errorf("read stat: %w", err)
	}
	return uint64(stat.ResidentMemory()), nil
}
