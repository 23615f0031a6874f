package cronoperator

import (
	"context"
	"strings"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/spawnclient"
)

// maxCronLogBytes bounds the captured combined stdout+stderr for the
// spawn variant (same ring-buffer shape as internal/operator, but kept
// local since cron results have their own "log" column semantics — no
// progress parsing, no control channel).
const maxCronLogBytes = 64 * 1024

func (r *Runner) runSpawn(ctx context.Context, job *domain.CronJob, start time.Time) domain.CronResult {
	args, env, err := r.resolveArgv(ctx, job)
	if err != nil {
		return domain.CronResult{ExitStatus: -1, Log: err.Error()}
	}

	buf := newBoundedBuffer(maxCronLogBytes)
	p := spawnclient.PreparedChildProcess{
		Args:       args,
		Env:        env,
		NoNewPrivs: true,
		Stdout:     buf,
		Stderr:     buf,
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultParsedTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	child, err := r.spawner.Spawn(runCtx, job.ID, p)
	if err != nil {
		return domain.CronResult{ExitStatus: -1, Log: err.Error()}
	}

	exit, err := child.Wait(runCtx)
	if err != nil {
		return domain.CronResult{ExitStatus: -1, Log: buf.SanitizedString() + "\n" + err.Error()}
	}
	return domain.CronResult{ExitStatus: exit.ExitStatus, Log: buf.SanitizedString()}
}

// resolveArgv builds the argv/env for a cron command: a "urn:" token
// resolves through the translation server, otherwise the command is
// run as "/bin/sh -c <command>".
func (r *Runner) resolveArgv(ctx context.Context, job *domain.CronJob) ([]string, []string, error) {
	if strings.HasPrefix(job.Command, "urn:") {
		if r.translator == nil {
			return nil, nil, errNoTranslationServer
		}
		resolved, err := r.translator.Resolve(ctx, job.Command, job.TranslateParam)
		if err != nil {
			return nil, nil, err
		}
		return resolved.Args, resolved.Env, nil
	}
	return []string{"/bin/sh", "-c", job.Command}, nil, nil
}

var errNoTranslationServer = translationError("cronoperator: no translation server configured")

type translationError string

func (e translationError) Error() string { return string(e) }
