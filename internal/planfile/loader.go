// Package planfile parses one plan file on disk into a domain.Plan value.
//
// The grammar is line-oriented: one keyword per line, '#' comments,
// double-quote quoting. It is bespoke enough that no config-file
// library fits; the loader is hand-written.
package planfile

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/pginterval"
)

// Load reads and parses the plan file at path.
func Load(path string) (*domain.Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPlan, path, err)
	}
	defer f.Close()
	return parse(f, path)
}

func parse(r *os.File, path string) (*domain.Plan, error) {
	plan := &domain.Plan{
		UID: domain.NobodyUID,
		GID: domain.NobodyGID,
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if err := parseLine(plan, line); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", domain.ErrInvalidPlan, path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPlan, path, err)
	}

	if len(plan.Args) == 0 {
		return nil, fmt.Errorf("%w: %s: no 'exec' given", domain.ErrInvalidPlan, path)
	}
	if plan.Timeout == "" {
		plan.Timeout = domain.DefaultTimeout
		plan.ParsedTimeout = domain.DefaultParsedTimeout
	}
	if plan.Priority == 0 {
		// "nice" defaults to 10 when unset.
		plan.Priority = 10
	}

	return plan, nil
}

func parseLine(plan *domain.Plan, line string) error {
	tokens, err := tokenize(line)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}
	key := tokens[0]
	rest := tokens[1:]

	if key == "exec" {
		if len(plan.Args) != 0 {
			return fmt.Errorf("'exec' already specified")
		}
		if len(rest) == 0 || rest[0] == "" {
			return fmt.Errorf("empty executable")
		}
		plan.Args = rest
		return nil
	}

	switch key {
	case "sched_idle":
		plan.SchedIdle = true
		return requireNoValue(rest)
	case "ioprio_idle":
		plan.IOPrioIdle = true
		return requireNoValue(rest)
	case "idle":
		plan.SchedIdle = true
		plan.IOPrioIdle = true
		return requireNoValue(rest)
	case "private_network":
		plan.PrivateNetwork = true
		return requireNoValue(rest)
	case "private_tmp":
		plan.PrivateTmp = true
		return requireNoValue(rest)
	case "allow_spawn":
		if !plan.ControlChannel {
			return fmt.Errorf("'allow_spawn' requires 'control_channel'")
		}
		plan.AllowSpawn = true
		return requireNoValue(rest)
	}

	if len(rest) == 0 {
		return fmt.Errorf("value missing after keyword %q", key)
	}
	singleToken := map[string]bool{
		"chroot": true, "user": true, "umask": true, "nice": true,
		"concurrency": true, "control_channel": true,
	}
	if singleToken[key] && len(rest) > 1 {
		return fmt.Errorf("too many arguments")
	}
	value := strings.Join(rest, " ")

	switch key {
	case "timeout":
		plan.Timeout = value
		d, err := pginterval.Parse(value)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %v", value, err)
		}
		plan.ParsedTimeout = d
	case "reap_finished":
		d, err := pginterval.Parse(value)
		if err != nil {
			return fmt.Errorf("invalid reap_finished %q: %v", value, err)
		}
		plan.ReapFinished = d
	case "chroot":
		st, err := os.Stat(value)
		if err != nil {
			return fmt.Errorf("failed to stat %q: %v", value, err)
		}
		if !st.IsDir() {
			return fmt.Errorf("not a directory: %s", value)
		}
		plan.Chroot = value
	case "user":
		u, err := user.Lookup(value)
		if err != nil {
			return fmt.Errorf("no such user %q: %v", value, err)
		}
		uid, _ := strconv.ParseUint(u.Uid, 10, 32)
		gid, _ := strconv.ParseUint(u.Gid, 10, 32)
		if uid == 0 {
			return fmt.Errorf("user 'root' is forbidden")
		}
		if gid == 0 {
			return fmt.Errorf("group 'root' is forbidden")
		}
		plan.UID = uint32(uid)
		plan.GID = uint32(gid)
		groupIDs, err := u.GroupIds()
		if err == nil {
			plan.Groups = make([]uint32, 0, len(groupIDs))
			for _, g := range groupIDs {
				if n, err := strconv.ParseUint(g, 10, 32); err == nil {
					plan.Groups = append(plan.Groups, uint32(n))
				}
			}
		}
	case "umask":
		n, err := strconv.ParseUint(value, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid umask %q", value)
		}
		plan.Umask = uint32(n)
	case "nice":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid nice %q", value)
		}
		plan.Priority = n
	case "concurrency":
		n, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid concurrency %q", value)
		}
		plan.Concurrency = uint(n)
	case "rate_limit":
		rl, err := parseRateLimit(value)
		if err != nil {
			return err
		}
		plan.RateLimits = append(plan.RateLimits, rl)
	case "control_channel":
		plan.ControlChannel = value == "" || value == "yes"
	case "rlimits":
		spec := strings.Join(rest, " ")
		if err := parseRlimits(&plan.Rlimits, spec); err != nil {
			return fmt.Errorf("invalid rlimits %q: %v", spec, err)
		}
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	return nil
}

func requireNoValue(rest []string) error {
	if len(rest) != 0 {
		return fmt.Errorf("unexpected argument %q", rest[0])
	}
	return nil
}

// parseRlimits accepts a comma-separated list of NAME=VALUE pairs, e.g.
// "as=1073741824,nproc=64,nofile=256".
func parseRlimits(r *domain.Rlimits, spec string) error {
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kv := strings.SplitN(item, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("expected NAME=VALUE, got %q", item)
		}
		v, err := strconv.ParseUint(kv[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value in %q", item)
		}
		switch strings.ToLower(kv[0]) {
		case "cpu":
			r.CPUSeconds = &v
		case "as":
			r.AddressSpaceBytes = &v
		case "nofile":
			r.NumFiles = &v
		case "nproc":
			r.NumProcs = &v
		default:
			return fmt.Errorf("unknown rlimit %q", kv[0])
		}
	}
	return nil
}

func parseRateLimit(value string) (domain.RateLimit, error) {
	parts := strings.SplitN(value, "/", 2)
	if len(parts) != 2 {
		return domain.RateLimit{}, fmt.Errorf("invalid rate_limit %q: expected COUNT/INTERVAL", value)
	}
	count, err := strconv.Atoi(parts[0])
	if err != nil || count <= 0 {
		return domain.RateLimit{}, fmt.Errorf("invalid rate_limit count %q", parts[0])
	}
	d, err := pginterval.Parse(parts[1])
	if err != nil {
		return domain.RateLimit{}, fmt.Errorf("invalid rate_limit interval %q: %v", parts[1], err)
	}
	return domain.RateLimit{MaxCount: count, Interval: d}, nil
}

// tokenize splits a plan-file line into whitespace-separated tokens,
// honoring double-quote grouping; '#' starts a comment outside quotes.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	haveToken := false

	flush := func() {
		if haveToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			haveToken = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			haveToken = true
		case c == '#' && !inQuotes:
			flush()
			return tokens, nil
		case (c == ' ' || c == '\t') && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
			haveToken = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return tokens, nil
}
