package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"graphrunner/internal/metrics"
	"graphrunner/internal/models"
	"graphrunner/internal/queue"
	"graphrunner/internal/tasklog"
	"graphrunner/internal/tasks"
)

const maxLineSize = 1024 * 1024

// Build runs the tile builder against the prepared output directory. Output is written in full to
// build.log and in batches to the task logs.
func (c *Coordinator) Build(ctx context.Context, id int64) error {
	rec, err := tasks.Load(ctx, c.store, id, c.opts.Limits)
	if errors.Is(err, tasks.ErrTaskGone) {
		log.Info().Int64("task_id", id).Msg("Build task was deleted before the build")
		return nil
	} else if err != nil {
		return err
	}

	task := rec.Task()
	if task.Status != models.StatusPreparing {
		log.Warn().Int64("task_id", id).Str("status", string(task.Status)).Msg("Skipping build of task that is not prepared")
		return nil
	}
	outputDir := c.outputDir(&task)
	if outputDir == "" {
		return c.fail(ctx, rec, "Build failed: task has no output directory")
	}

	if err := rec.Transition(models.StatusBuilding); err != nil {
		return c.fail(ctx, rec, "Could not start the build: %v", err)
	}
	rec.Log("Starting tile build")
	if stop, err := c.checkpoint(ctx, rec); stop {
		return err
	}

	started := c.now()
	exitCode, err := c.runBuilder(ctx, rec, outputDir)
	metrics.ObserveBuild(exitCode, c.now().Sub(started))
	if err != nil {
		return c.fail(ctx, rec, "Build failed: %v", err)
	}
	if exitCode != 0 {
		return c.fail(ctx, rec, "Build failed: %s exited with code %d", builderName(c.opts.BuildCommand), exitCode)
	}

	if err := rec.Transition(models.StatusBuilt); err != nil {
		if errors.Is(err, tasks.ErrTerminal) {
			return nil
		}
		return c.fail(ctx, rec, "Could not complete the build: %v", err)
	}
	rec.Log("Routing tiles built in %s", c.now().Sub(started).Round(time.Second))
	if stop, err := c.checkpoint(ctx, rec); stop {
		return err
	}

	if err := c.queue.Publish(ctx, queue.NewMessage(queue.KindServe, id)); err != nil {
		// the tiles are there, the container can still be started by hand
		rec.AddLog(ctx, "Could not schedule the serving phase: %v", err)
		return err
	}
	return nil
}

// runBuilder streams the combined output of the builder into the build log file and the task logs.
// A process that ran to completion yields its exit code and a nil error.
func (c *Coordinator) runBuilder(ctx context.Context, rec *tasks.Record, outputDir string) (int, error) {
	if len(c.opts.BuildCommand) == 0 {
		return -1, errors.New("no build command configured")
	}
	argv := append(append([]string{}, c.opts.BuildCommand...), outputDir)
	rec.AddLog(ctx, "Command: %s", strings.Join(argv, " "))

	fileLog, err := tasklog.OpenFileLog(outputDir)
	if err != nil {
		return -1, fmt.Errorf("could not open %s: %w", tasklog.BuildLogName, err)
	}
	defer func() {
		if err := fileLog.Close(); err != nil {
			log.Warn().Err(err).Int64("task_id", rec.ID()).Msg("Could not close build log")
		}
	}()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("could not start %s: %w", argv[0], err)
	}

	batcher := tasklog.NewBatcher(c.opts.FlushLines, func(lines []string) {
		rec.AppendLines(ctx, lines)
	})

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" {
			continue
		}
		if err := fileLog.WriteLine(line); err != nil {
			log.Warn().Err(err).Int64("task_id", rec.ID()).Msg("Could not write build log")
		}
		batcher.Add(tasklog.Line(c.now(), "> "+line))
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// keep the pipe drained so the builder does not block on a full buffer
		_, _ = io.Copy(io.Discard, stdout)
	}
	batcher.Flush()

	err = cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return -1, fmt.Errorf("build was cancelled: %w", ctx.Err())
		case errors.As(err, &exitErr):
			return exitErr.ExitCode(), nil
		default:
			return -1, err
		}
	}
	if scanErr != nil {
		return -1, fmt.Errorf("could not read builder output: %w", scanErr)
	}
	return 0, nil
}

func builderName(argv []string) string {
	if len(argv) == 0 {
		return "builder"
	}
	return argv[len(argv)-1]
}
