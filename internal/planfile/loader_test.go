package planfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cm4all-oss/workshopd/internal/domain"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "myplan")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMinimalPlan(t *testing.T) {
	path := writePlan(t, "exec /bin/true\n")
	plan, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(plan.Args) != 1 || plan.Args[0] != "/bin/true" {
		t.Errorf("Args = %#v", plan.Args)
	}
	if plan.Timeout != domain.DefaultTimeout {
		t.Errorf("Timeout = %q, want %q", plan.Timeout, domain.DefaultTimeout)
	}
	if plan.UID != domain.NobodyUID || plan.GID != domain.NobodyGID {
		t.Errorf("uid/gid = %d/%d, want nobody", plan.UID, plan.GID)
	}
	if plan.Priority != 10 {
		t.Errorf("Priority = %d, want 10", plan.Priority)
	}
}

func TestPlanWithOptions(t *testing.T) {
	path := writePlan(t, strings.Join([]string{
		"# a comment",
		"exec /usr/bin/myjob --flag value",
		"timeout 5 minutes",
		"nice 5",
		"concurrency 3",
		"rate_limit 10/1 minute",
		"control_channel yes",
		"allow_spawn",
		"private_tmp",
	}, "\n"))

	plan, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(plan.Args) != 4 {
		t.Fatalf("Args = %#v", plan.Args)
	}
	if plan.Priority != 5 {
		t.Errorf("Priority = %d", plan.Priority)
	}
	if plan.Concurrency != 3 {
		t.Errorf("Concurrency = %d", plan.Concurrency)
	}
	if len(plan.RateLimits) != 1 || plan.RateLimits[0].MaxCount != 10 {
		t.Errorf("RateLimits = %#v", plan.RateLimits)
	}
	if !plan.ControlChannel || !plan.AllowSpawn {
		t.Errorf("control_channel/allow_spawn not set")
	}
	if !plan.PrivateTmp {
		t.Errorf("private_tmp not set")
	}
}

func TestMissingExec(t *testing.T) {
	path := writePlan(t, "timeout 1 minute\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for missing exec")
	}
}

func TestUnknownKeyword(t *testing.T) {
	path := writePlan(t, "exec /bin/true\nbogus value\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown keyword")
	}
}

func TestAllowSpawnWithoutControlChannel(t *testing.T) {
	path := writePlan(t, "exec /bin/true\nallow_spawn\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error: allow_spawn without control_channel")
	}
}
