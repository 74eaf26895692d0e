package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filerelay/internal/audit"
	"filerelay/internal/notify"
	"filerelay/internal/store"
	"filerelay/internal/transform"
)

// -------- test fakes --------

// stubStore delegates to a MemoryStore but can hang or fail copies per
// destination container and lie about object sizes.
type stubStore struct {
	mem *store.MemoryStore

	hangContainers map[string]bool // copies to these containers never finish
	failContainers map[string]bool // copies to these containers report failure
	statSize       map[store.Location]int64

	hung   map[store.CopyHandle]bool
	failed map[store.CopyHandle]bool
	seq    int
}

func newStubStore() *stubStore {
	return &stubStore{
		mem:            store.NewMemoryStore(),
		hangContainers: map[string]bool{},
		failContainers: map[string]bool{},
		statSize:       map[store.Location]int64{},
		hung:           map[store.CopyHandle]bool{},
		failed:         map[store.CopyHandle]bool{},
	}
}

func (s *stubStore) handle() store.CopyHandle {
	s.seq++
	return store.CopyHandle(fmt.Sprintf("h-%d", s.seq))
}

func (s *stubStore) Copy(ctx context.Context, src, dst store.Location, metadata map[string]string) (store.CopyHandle, error) {
	if s.hangContainers[dst.Container] {
		h := s.handle()
		s.hung[h] = true
		return h, nil
	}
	if s.failContainers[dst.Container] {
		h := s.handle()
		s.failed[h] = true
		return h, nil
	}
	return s.mem.Copy(ctx, src, dst, metadata)
}

func (s *stubStore) CopyStatus(ctx context.Context, h store.CopyHandle) (store.CopyState, error) {
	if s.hung[h] {
		return store.CopyPending, nil
	}
	if s.failed[h] {
		return store.CopyFailed, nil
	}
	return s.mem.CopyStatus(ctx, h)
}

func (s *stubStore) Delete(ctx context.Context, loc store.Location) error {
	return s.mem.Delete(ctx, loc)
}

func (s *stubStore) Stat(ctx context.Context, loc store.Location) (store.ObjectInfo, error) {
	info, err := s.mem.Stat(ctx, loc)
	if err != nil {
		return info, err
	}
	if size, ok := s.statSize[loc]; ok {
		info.Size = size
	}
	return info, nil
}

func (s *stubStore) Get(ctx context.Context, loc store.Location) ([]byte, error) {
	return s.mem.Get(ctx, loc)
}

func (s *stubStore) Put(ctx context.Context, loc store.Location, data []byte, metadata map[string]string) error {
	return s.mem.Put(ctx, loc, data, metadata)
}

func (s *stubStore) List(ctx context.Context, container, prefix string) ([]store.ObjectInfo, error) {
	return s.mem.List(ctx, container, prefix)
}

func (s *stubStore) exists(t *testing.T, loc store.Location) bool {
	t.Helper()
	_, err := s.mem.Stat(context.Background(), loc)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

type fakeAudit struct {
	nextID    int64
	starts    []audit.StartRecord
	advances  []string
	completes []audit.CompleteRecord
	orphans   []audit.Entry

	startErr    error
	advanceErr  error
	completeErr error
}

func (f *fakeAudit) Start(ctx context.Context, rec audit.StartRecord) (int64, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.nextID++
	f.starts = append(f.starts, rec)
	return f.nextID, nil
}

func (f *fakeAudit) Advance(ctx context.Context, id int64, state string) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.advances = append(f.advances, state)
	return nil
}

func (f *fakeAudit) Complete(ctx context.Context, rec audit.CompleteRecord) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completes = append(f.completes, rec)
	return nil
}

func (f *fakeAudit) Orphans(ctx context.Context, before time.Time) ([]audit.Entry, error) {
	return f.orphans, nil
}

func (f *fakeAudit) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	return nil, nil
}

type fakeNotifier struct {
	events []notify.Event
	err    error
}

func (f *fakeNotifier) Notify(ctx context.Context, ev notify.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

type stubTransformer struct {
	out []byte
	res transform.Result
	err error
}

func (s *stubTransformer) Transform(ctx context.Context, content []byte) ([]byte, transform.Result, error) {
	if s.err != nil {
		return nil, s.res, s.err
	}
	if s.out != nil {
		return s.out, s.res, nil
	}
	return content, s.res, nil
}

// -------- harness --------

type harness struct {
	store    *stubStore
	audit    *fakeAudit
	notifier *fakeNotifier
	orch     *Orchestrator
	clock    time.Time
}

func newHarness(t *testing.T, tr transform.Transformer) *harness {
	t.Helper()
	h := &harness{
		store:    newStubStore(),
		audit:    &fakeAudit{nextID: 7000},
		notifier: &fakeNotifier{},
		clock:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	if tr == nil {
		tr = transform.Noop{}
	}

	cfg := DefaultConfig()
	cfg.PollInterval = time.Second
	cfg.MaxCopyWait = 5 * time.Second
	cfg.RetryAttempts = 1
	h.orch = NewOrchestrator(h.store, tr, h.audit, h.notifier, cfg)
	h.orch.now = func() time.Time { return h.clock }
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.clock = h.clock.Add(d)
		return nil
	}
	return h
}

func (h *harness) seed(t *testing.T, name string, content []byte) {
	t.Helper()
	require.NoError(t, h.store.mem.Put(context.Background(),
		store.Location{Container: "inbound", Key: name}, content, nil))
}

// -------- tests --------

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	content := make([]byte, 1024)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	h.seed(t, "invoice_42.txt", content)

	task, err := h.orch.Process(context.Background(), "invoice_42.txt", "run-1")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, task.State)
	assert.Equal(t, int64(7001), task.ID)
	assert.Equal(t, int64(1024), task.SizeBytes)
	assert.Empty(t, task.ErrorMessage)
	assert.Equal(t, store.Location{Container: "outbound", Key: "invoice_42.txt"}, task.Location)

	// bytes landed in outbound and the timestamped archive, and only there
	outData, err := h.store.mem.Get(context.Background(), store.Location{Container: "outbound", Key: "invoice_42.txt"})
	require.NoError(t, err)
	assert.Equal(t, content, outData)
	assert.True(t, h.store.exists(t, store.Location{Container: "archive", Key: "20240101_120000_invoice_42.txt"}))
	assert.False(t, h.store.exists(t, store.Location{Container: "inbound", Key: "invoice_42.txt"}))
	assert.False(t, h.store.exists(t, store.Location{Container: "processing", Key: "invoice_42.txt"}))

	// audit trail: start, one advance per transition, one terminal record
	require.Len(t, h.audit.starts, 1)
	assert.Equal(t, audit.StartRecord{
		FileName:        "invoice_42.txt",
		SizeBytes:       1024,
		SourceContainer: "inbound",
		PackageLabel:    "run-1",
	}, h.audit.starts[0])
	assert.Equal(t, []string{"moving", "transforming", "finalizing"}, h.audit.advances)
	require.Len(t, h.audit.completes, 1)
	assert.Equal(t, audit.CompleteRecord{
		ID:                   7001,
		State:                "completed",
		DestinationContainer: "outbound",
	}, h.audit.completes[0])

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, "completed", h.notifier.events[0].State)
}

func TestProcessAppliesTransformation(t *testing.T) {
	h := newHarness(t, &stubTransformer{out: []byte("TRANSFORMED")})
	h.seed(t, "report.csv", []byte("original"))

	task, err := h.orch.Process(context.Background(), "report.csv", "")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, task.State)
	assert.Equal(t, int64(len("TRANSFORMED")), task.SizeBytes)

	outData, err := h.store.mem.Get(context.Background(), store.Location{Container: "outbound", Key: "report.csv"})
	require.NoError(t, err)
	assert.Equal(t, []byte("TRANSFORMED"), outData)
}

func TestProcessRecordFailuresDoNotFailFile(t *testing.T) {
	h := newHarness(t, &stubTransformer{
		res: transform.Result{Records: 3, Failed: []transform.RecordError{{Record: 2, Reason: "bad field count"}}},
	})
	h.seed(t, "mixed.csv", []byte("a,b\n1,2\nbroken\n3,4\n"))

	task, err := h.orch.Process(context.Background(), "mixed.csv", "")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, task.State)
}

func TestProcessTransformFailureRoutesToErrorContainer(t *testing.T) {
	h := newHarness(t, &stubTransformer{err: errors.New("strict mode: 1 malformed record(s)")})
	h.seed(t, "bad.dat", []byte("name,ssn\nbroken\n"))

	task, err := h.orch.Process(context.Background(), "bad.dat", "")
	require.NoError(t, err)

	assert.Equal(t, StateFailed, task.State)
	assert.Contains(t, task.ErrorMessage, "strict mode")

	// relocated to the error container with the message as metadata
	assert.True(t, h.store.exists(t, store.Location{Container: "error", Key: "bad.dat"}))
	assert.False(t, h.store.exists(t, store.Location{Container: "processing", Key: "bad.dat"}))
	meta := h.store.mem.Metadata(store.Location{Container: "error", Key: "bad.dat"})
	assert.Contains(t, meta["Error-Message"], "strict mode")

	require.Len(t, h.audit.completes, 1)
	assert.Equal(t, "failed", h.audit.completes[0].State)
	assert.Equal(t, "error", h.audit.completes[0].DestinationContainer)
	assert.Contains(t, h.audit.completes[0].ErrorMessage, "strict mode")

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, "failed", h.notifier.events[0].State)
	assert.NotEmpty(t, h.notifier.events[0].ErrorMessage)
}

func TestProcessCopyTimeoutLeavesSourceIntact(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "stuck.bin", []byte("payload"))

	// every copy out of inbound hangs, including the error relocation
	h.store.hangContainers["processing"] = true
	h.store.hangContainers["error"] = true

	task, err := h.orch.Process(context.Background(), "stuck.bin", "")
	require.NoError(t, err)

	assert.Equal(t, StateFailed, task.State)
	assert.Contains(t, task.ErrorMessage, "timed out")

	// the source was never deleted: no verified copy ever existed
	assert.True(t, h.store.exists(t, store.Location{Container: "inbound", Key: "stuck.bin"}))

	require.Len(t, h.audit.completes, 1)
	assert.Equal(t, "failed", h.audit.completes[0].State)
	assert.Equal(t, "inbound", h.audit.completes[0].DestinationContainer)
}

func TestProcessFinalizeFailureKeepsProcessingObject(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "almost.csv", []byte("a,b\n1,2\n"))

	h.store.failContainers["archive"] = true

	task, err := h.orch.Process(context.Background(), "almost.csv", "")
	require.NoError(t, err)

	assert.Equal(t, StateFailed, task.State)
	assert.Contains(t, task.ErrorMessage, "archive copy")

	// the processing object is the last remaining authoritative copy and must
	// not be auto-deleted, even though an error-container copy was taken
	assert.True(t, h.store.exists(t, store.Location{Container: "processing", Key: "almost.csv"}))
	assert.True(t, h.store.exists(t, store.Location{Container: "error", Key: "almost.csv"}))
}

func TestProcessVerificationMismatchFailsStage(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "tampered.csv", []byte("1234567890"))

	// destination reports a different size than the source
	h.store.statSize[store.Location{Container: "processing", Key: "tampered.csv"}] = 3
	// keep the error relocation from succeeding so the source must survive
	h.store.hangContainers["error"] = true

	task, err := h.orch.Process(context.Background(), "tampered.csv", "")
	require.NoError(t, err)

	assert.Equal(t, StateFailed, task.State)
	assert.Contains(t, task.ErrorMessage, "size mismatch")
	// ambiguous verification: the inbound source must survive
	assert.True(t, h.store.exists(t, store.Location{Container: "inbound", Key: "tampered.csv"}))
}

func TestProcessMissingFileIsNotAudited(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orch.Process(context.Background(), "never-uploaded.txt", "")
	assert.ErrorIs(t, err, ErrAlreadyGone)
	assert.Empty(t, h.audit.starts)
}

func TestProcessAuditStartFailureHaltsBeforeMutation(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "untouched.txt", []byte("data"))
	h.audit.startErr = errors.New("db down")

	_, err := h.orch.Process(context.Background(), "untouched.txt", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit start")

	// nothing moved
	assert.True(t, h.store.exists(t, store.Location{Container: "inbound", Key: "untouched.txt"}))
	assert.False(t, h.store.exists(t, store.Location{Container: "processing", Key: "untouched.txt"}))
}

func TestProcessAuditAdvanceFailureIsSurfaced(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "halted.txt", []byte("data"))
	h.audit.advanceErr = errors.New("db down")

	task, err := h.orch.Process(context.Background(), "halted.txt", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit advance")
	assert.Equal(t, StateReceived, task.State)
}

func TestProcessNotifierFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "quiet.txt", []byte("data"))
	h.notifier.err = errors.New("broker unreachable")

	task, err := h.orch.Process(context.Background(), "quiet.txt", "")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, task.State)
	require.Len(t, h.audit.completes, 1)
	assert.Equal(t, "completed", h.audit.completes[0].State)
}

func TestReconcileClosesOrphanedEntries(t *testing.T) {
	h := newHarness(t, nil)
	started := h.clock.Add(-2 * time.Hour)
	h.audit.orphans = []audit.Entry{
		{ID: 41, FileName: "lost-a.csv", State: "moving", StartedAt: started},
		{ID: 42, FileName: "lost-b.csv", State: "finalizing", StartedAt: started},
	}

	n, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, h.audit.completes, 2)
	for i, c := range h.audit.completes {
		assert.Equal(t, "failed", c.State)
		assert.Contains(t, c.ErrorMessage, "reconciled")
		assert.Equal(t, h.audit.orphans[i].ID, c.ID)
	}
	assert.Len(t, h.notifier.events, 2)
}

func TestArchiveKeyIsTimestampQualified(t *testing.T) {
	h := newHarness(t, nil)
	h.clock = time.Date(2025, 6, 30, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, "20250630_235959_report.csv", h.orch.archiveKey("report.csv"))
}
