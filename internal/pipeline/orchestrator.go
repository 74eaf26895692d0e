package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"filerelay/internal/audit"
	"filerelay/internal/notify"
	"filerelay/internal/store"
	"filerelay/internal/transform"
	"filerelay/pkg/logger"
)

// ErrAlreadyGone is returned by Process when the file is no longer in the
// inbound container, typically because a concurrent worker picked it up.
var ErrAlreadyGone = errors.New("pipeline: file no longer in inbound container")

// Orchestrator drives a file through the lifecycle state machine:
//
//	received -> moving -> transforming -> finalizing -> completed
//	any stage failure short-circuits to failed
//
// The audit log entry is committed before the first storage mutation, a
// source object is never deleted before its copy destination is verified,
// and every task reaches exactly one terminal state. Audit log write
// failures are the only errors surfaced to the caller; everything else is
// converted into the failed state with a captured message.
type Orchestrator struct {
	store    store.ObjectStore
	xform    transform.Transformer
	auditLog audit.Log
	notifier notify.Notifier
	cfg      Config
	log      zerolog.Logger

	// seams for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(st store.ObjectStore, tr transform.Transformer, al audit.Log, n notify.Notifier, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxCopyWait <= 0 {
		cfg.MaxCopyWait = 2 * time.Minute
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if n == nil {
		n = notify.LogNotifier{}
	}
	return &Orchestrator{
		store:    st,
		xform:    tr,
		auditLog: al,
		notifier: n,
		cfg:      cfg,
		log:      logger.Component("pipeline"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Process drives one file from the inbound container to a terminal state.
//
// The returned task carries the terminal state and, when failed, the captured
// error message. A non-nil error means the audit log could not be written and
// processing halted; stage-level failures are not returned as errors.
func (o *Orchestrator) Process(ctx context.Context, fileName, packageLabel string) (*FileTask, error) {
	src := store.Location{Container: o.cfg.Inbound, Key: fileName}

	info, statErr := o.store.Stat(ctx, src)
	if errors.Is(statErr, store.ErrNotFound) {
		return nil, ErrAlreadyGone
	}

	id, err := o.auditLog.Start(ctx, audit.StartRecord{
		FileName:        fileName,
		SizeBytes:       info.Size,
		SourceContainer: o.cfg.Inbound,
		PackageLabel:    packageLabel,
	})
	if err != nil {
		return nil, fmt.Errorf("audit start: %w", err)
	}

	task := &FileTask{
		ID:        id,
		Name:      fileName,
		SizeBytes: info.Size,
		State:     StateReceived,
		Location:  src,
	}
	o.log.Info().Int64("task_id", id).Str("file", fileName).Int64("size", info.Size).Msg("processing started")

	if statErr != nil {
		return o.fail(ctx, task, fmt.Errorf("stat inbound object: %w", statErr))
	}

	if err := o.advance(ctx, task, StateMoving); err != nil {
		return task, err
	}
	if err := o.move(ctx, task); err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task, StateTransforming); err != nil {
		return task, err
	}
	if err := o.transformStage(ctx, task); err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task, StateFinalizing); err != nil {
		return task, err
	}
	if err := o.finalize(ctx, task); err != nil {
		// The processing-container object is the only remaining copy; it is
		// kept for manual recovery.
		return o.failKeepSource(ctx, task, err)
	}

	return o.complete(ctx, task)
}

// Reconcile closes audit entries that never reached a terminal state, e.g.
// after a crash mid-pipeline. Files are left where they are for manual
// recovery; only the trail is closed.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.cfg.OrphanGrace)
	entries, err := o.auditLog.Orphans(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list orphaned entries: %w", err)
	}

	for _, e := range entries {
		msg := fmt.Sprintf("reconciled: task stalled in state %q without a terminal record", e.State)
		if err := o.auditLog.Complete(ctx, audit.CompleteRecord{
			ID:           e.ID,
			State:        string(StateFailed),
			ErrorMessage: msg,
		}); err != nil {
			return 0, fmt.Errorf("audit complete for orphan %d: %w", e.ID, err)
		}
		o.log.Warn().Int64("task_id", e.ID).Str("file", e.FileName).Str("stalled_state", e.State).Msg("orphaned task reconciled as failed")
		o.emit(ctx, notify.Event{
			FileName:     e.FileName,
			State:        string(StateFailed),
			Timestamp:    o.now().UTC(),
			ErrorMessage: msg,
		})
	}
	return len(entries), nil
}

func (o *Orchestrator) advance(ctx context.Context, task *FileTask, next State) error {
	if err := o.auditLog.Advance(ctx, task.ID, string(next)); err != nil {
		return fmt.Errorf("audit advance to %s: %w", next, err)
	}
	task.State = next
	return nil
}

// move copies the file from inbound to processing and deletes the inbound
// object once the copy is verified.
func (o *Orchestrator) move(ctx context.Context, task *FileTask) error {
	dst := store.Location{Container: o.cfg.Processing, Key: task.Name}
	if err := o.copyVerified(ctx, task.Location, dst, nil); err != nil {
		return err
	}
	if err := o.deleteRetry(ctx, task.Location); err != nil {
		return err
	}

	info, err := o.statRetry(ctx, dst)
	if err != nil {
		return err
	}
	task.SizeBytes = info.Size
	task.Location = dst
	return nil
}

// transformStage rewrites the processing-container object in place.
func (o *Orchestrator) transformStage(ctx context.Context, task *FileTask) error {
	var content []byte
	if err := o.withRetry(ctx, "read processing object", func() error {
		var err error
		content, err = o.store.Get(ctx, task.Location)
		return err
	}); err != nil {
		return err
	}

	out, res, err := o.xform.Transform(ctx, content)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	for _, rec := range res.Failed {
		o.log.Warn().Int64("task_id", task.ID).Str("file", task.Name).
			Int("record", rec.Record).Str("reason", rec.Reason).
			Msg("record failed transformation, passed through")
	}

	if err := o.withRetry(ctx, "write transformed object", func() error {
		return o.store.Put(ctx, task.Location, out, nil)
	}); err != nil {
		return err
	}
	task.SizeBytes = int64(len(out))
	return nil
}

// finalize copies the file to the outbound and archive containers; the
// processing object is deleted only after both copies are verified.
func (o *Orchestrator) finalize(ctx context.Context, task *FileTask) error {
	outDst := store.Location{Container: o.cfg.Outbound, Key: task.Name}
	archDst := store.Location{Container: o.cfg.Archive, Key: o.archiveKey(task.Name)}

	if err := o.copyVerified(ctx, task.Location, outDst, nil); err != nil {
		return fmt.Errorf("outbound copy: %w", err)
	}
	if err := o.copyVerified(ctx, task.Location, archDst, nil); err != nil {
		return fmt.Errorf("archive copy: %w", err)
	}
	if err := o.deleteRetry(ctx, task.Location); err != nil {
		return err
	}
	task.Location = outDst
	return nil
}

// archiveKey qualifies the name with a UTC timestamp so repeated processing
// of same-named files never overwrites an archived copy.
func (o *Orchestrator) archiveKey(name string) string {
	return o.now().UTC().Format("20060102_150405") + "_" + name
}

func (o *Orchestrator) complete(ctx context.Context, task *FileTask) (*FileTask, error) {
	task.State = StateCompleted
	if err := o.auditLog.Complete(ctx, audit.CompleteRecord{
		ID:                   task.ID,
		State:                string(StateCompleted),
		DestinationContainer: o.cfg.Outbound,
	}); err != nil {
		return task, fmt.Errorf("audit complete: %w", err)
	}

	o.log.Info().Int64("task_id", task.ID).Str("file", task.Name).Msg("processing completed")
	o.emit(ctx, notify.Event{
		FileName:  task.Name,
		State:     string(StateCompleted),
		Timestamp: o.now().UTC(),
	})
	return task, nil
}

func (o *Orchestrator) fail(ctx context.Context, task *FileTask, cause error) (*FileTask, error) {
	return o.failTask(ctx, task, cause, false)
}

func (o *Orchestrator) failKeepSource(ctx context.Context, task *FileTask, cause error) (*FileTask, error) {
	return o.failTask(ctx, task, cause, true)
}

func (o *Orchestrator) failTask(ctx context.Context, task *FileTask, cause error, keepSource bool) (*FileTask, error) {
	task.State = StateFailed
	task.ErrorMessage = cause.Error()
	o.log.Error().Err(cause).Int64("task_id", task.ID).Str("file", task.Name).Msg("file task failed")

	dest := task.Location.Container
	if loc, ok := o.relocateToError(ctx, task, keepSource); ok {
		dest = loc.Container
		task.Location = loc
	}

	if err := o.auditLog.Complete(ctx, audit.CompleteRecord{
		ID:                   task.ID,
		State:                string(StateFailed),
		DestinationContainer: dest,
		ErrorMessage:         task.ErrorMessage,
	}); err != nil {
		return task, fmt.Errorf("audit complete: %w", err)
	}

	o.emit(ctx, notify.Event{
		FileName:     task.Name,
		State:        string(StateFailed),
		Timestamp:    o.now().UTC(),
		ErrorMessage: task.ErrorMessage,
	})
	return task, nil
}

// relocateToError moves the file to the error container with the failure
// message attached as object metadata. Best-effort: a failure here is logged
// and does not change the task's terminal state. When keepSource is set the
// source object is copied but not deleted.
func (o *Orchestrator) relocateToError(ctx context.Context, task *FileTask, keepSource bool) (store.Location, bool) {
	dst := store.Location{Container: o.cfg.Error, Key: task.Name}
	metadata := map[string]string{"Error-Message": task.ErrorMessage}

	if err := o.copyVerified(ctx, task.Location, dst, metadata); err != nil {
		o.log.Warn().Err(err).Int64("task_id", task.ID).Str("file", task.Name).
			Msg("could not relocate file to error container")
		return store.Location{}, false
	}
	if !keepSource {
		if err := o.deleteRetry(ctx, task.Location); err != nil {
			o.log.Warn().Err(err).Int64("task_id", task.ID).Str("file", task.Name).
				Msg("could not delete source after error relocation")
		}
	}
	return dst, true
}

// copyVerified issues an asynchronous copy, polls it to completion within the
// configured bound, and verifies the destination size against the source.
// The source is never deleted here; callers delete only after this returns nil.
func (o *Orchestrator) copyVerified(ctx context.Context, src, dst store.Location, metadata map[string]string) error {
	srcInfo, err := o.statRetry(ctx, src)
	if err != nil {
		return err
	}

	var handle store.CopyHandle
	if err := o.withRetry(ctx, fmt.Sprintf("start copy %s -> %s", src, dst), func() error {
		h, err := o.store.Copy(ctx, src, dst, metadata)
		if err == nil {
			handle = h
		}
		return err
	}); err != nil {
		return err
	}

	if err := o.waitForCopy(ctx, handle, src, dst); err != nil {
		return err
	}

	dstInfo, err := o.statRetry(ctx, dst)
	if err != nil {
		return fmt.Errorf("verify %s: %w", dst, err)
	}
	if dstInfo.Size != srcInfo.Size {
		return fmt.Errorf("verify %s: size mismatch, source %d bytes, destination %d bytes",
			dst, srcInfo.Size, dstInfo.Size)
	}
	return nil
}

// waitForCopy sleep-polls the copy status until a terminal state or the
// configured maximum wait.
func (o *Orchestrator) waitForCopy(ctx context.Context, h store.CopyHandle, src, dst store.Location) error {
	deadline := o.now().Add(o.cfg.MaxCopyWait)
	for {
		state, err := o.store.CopyStatus(ctx, h)
		if err != nil {
			return fmt.Errorf("poll copy %s -> %s: %w", src, dst, err)
		}
		switch state {
		case store.CopySuccess:
			return nil
		case store.CopyFailed, store.CopyAborted:
			return fmt.Errorf("copy %s -> %s: copy reported %s", src, dst, state)
		}
		if !o.now().Before(deadline) {
			return fmt.Errorf("copy %s -> %s: timed out after %s", src, dst, o.cfg.MaxCopyWait)
		}
		if err := o.sleep(ctx, o.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) statRetry(ctx context.Context, loc store.Location) (store.ObjectInfo, error) {
	var info store.ObjectInfo
	err := o.withRetry(ctx, fmt.Sprintf("stat %s", loc), func() error {
		var err error
		info, err = o.store.Stat(ctx, loc)
		return err
	})
	return info, err
}

func (o *Orchestrator) deleteRetry(ctx context.Context, loc store.Location) error {
	return o.withRetry(ctx, fmt.Sprintf("delete %s", loc), func() error {
		return o.store.Delete(ctx, loc)
	})
}

// withRetry runs fn up to RetryAttempts times with backoff between attempts.
// Not-found and context errors are not retried.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt < o.cfg.RetryAttempts {
			o.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying after transient error")
			if serr := o.sleep(ctx, o.cfg.RetryBackoff); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (o *Orchestrator) emit(ctx context.Context, ev notify.Event) {
	if err := o.notifier.Notify(ctx, ev); err != nil {
		o.log.Warn().Err(err).Str("file", ev.FileName).Msg("notification delivery failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
