// Package cgroup reads cgroup v2 cpu.stat accounting for the
// operator's CPU usage column (the usage_usec delta between child
// start and exit). It follows the PreparedChildProcess.CgroupName
// convention of internal/spawnclient — the spawn service is expected to
// place each child into "<base>/<CgroupName>/", and this package only
// reads the counter back out.
package cgroup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultBase is the standard cgroup v2 mount point.
const DefaultBase = "/sys/fs/cgroup"

// Reader reads usage_usec for one cgroup.
type Reader struct {
	base string
}

func NewReader(base string) *Reader {
	if base == "" {
		base = DefaultBase
	}
	return &Reader{base: base}
}

// UsageUsec reads the "usage_usec" field of cpu.stat for the given
// cgroup name (relative to base), in microseconds.
func (r *Reader) UsageUsec(cgroupName string) (uint64, error) {
	if cgroupName == "" {
		return 0, fmt.Errorf("cgroup: empty cgroup name")
	}
	path := filepath.Join(r.base, cgroupName, "cpu.stat")
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, " ")
		if !ok || key != "usage_usec" {
			continue
		}
		usec, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cgroup: parsing usage_usec: %w", err)
		}
		return usec, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("cgroup: usage_usec not found in %s", path)
}

// Delta reads usage_usec and reports the elapsed CPU time since a
// previously recorded usage_usec value, as a time.Duration.
func (r *Reader) Delta(cgroupName string, since uint64) (time.Duration, uint64, error) {
	now, err := r.UsageUsec(cgroupName)
	if err != nil {
		return 0, since, err
	}
	if now < since {
		// cgroup was recreated (counter reset); treat as zero delta.
		return 0, now, nil
	}
	return time.Duration(now-since) * time.Microsecond, now, nil
}
