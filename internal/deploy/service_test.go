package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/splax/helion-deployer/internal/batch"
	"github.com/splax/helion-deployer/internal/blobstore"
	"github.com/splax/helion-deployer/internal/ledger"
	"github.com/splax/helion-deployer/internal/taskmanager"
	"github.com/splax/helion-deployer/internal/workspace"
	"github.com/splax/helion-deployer/pkg/config"
)

type captureQueue struct {
	tasks []taskmanager.Task
	err   error
}

func (q *captureQueue) AddTask(task taskmanager.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *captureQueue) runAll(ctx context.Context) {
	for _, task := range q.tasks {
		task(ctx)
	}
	q.tasks = nil
}

type serviceFixture struct {
	svc      *Service
	store    *blobstore.Memory
	queue    *captureQueue
	ws       *workspace.Manager
	runner   *fakeRunner
	outcomes []string
}

func newServiceFixture(t *testing.T, cfg config.DeployerConfig) *serviceFixture {
	t.Helper()
	base := t.TempDir()
	ws, err := workspace.New(filepath.Join(base, "work"))
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	if cfg.PackageDir == "" {
		cfg.PackageDir = filepath.Join(base, "packages")
	}
	store := blobstore.NewMemory()
	if err := store.Put(context.Background(), "node-env.tar.gz", []byte("archive")); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	f := &serviceFixture{
		store:  store,
		queue:  &captureQueue{},
		ws:     ws,
		runner: &fakeRunner{},
	}
	f.svc = New(store, ledger.New(store, quietLogger()), ws, f.queue, quietLogger(), cfg,
		WithStepRunner(f.runner),
		WithOutcomeObserver(func(outcome string) { f.outcomes = append(f.outcomes, outcome) }),
	)
	return f
}

func validRequest() TriggerRequest {
	return TriggerRequest{
		PackageName: "node-env",
		EndpointURL: testEndpoint,
		Username:    "admin",
		Password:    "secret",
	}
}

func TestTriggerQueuesDeployment(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{})
	ctx := context.Background()

	res, err := f.svc.Trigger(ctx, validRequest())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if res.Status != StatusInit || res.Package != "node-env" || res.DeploymentID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.queue.tasks) != 1 {
		t.Fatalf("expected one queued task, got %d", len(f.queue.tasks))
	}

	rec, found := f.svc.Status(ctx, res.DeploymentID)
	if !found || rec.DeployStatus != StatusInit {
		t.Fatalf("expected INIT before the task runs, got %+v", rec)
	}
	if rec.Destination != "https://node-env.15.126.129.33.xip.io" {
		t.Fatalf("unexpected destination %q", rec.Destination)
	}

	f.queue.runAll(ctx)

	rec, _ = f.svc.Status(ctx, res.DeploymentID)
	if rec.DeployStatus != batch.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %+v", rec)
	}
	got := historyStatuses(rec)
	if got[0] != StatusInit || got[1] != StatusDownloading {
		t.Fatalf("expected INIT then DOWNLOADING, got %v", got)
	}
	if !reflect.DeepEqual(f.outcomes, []string{OutcomeSuccess}) {
		t.Fatalf("expected one success outcome, got %v", f.outcomes)
	}
	entries, err := os.ReadDir(f.ws.Root())
	if err != nil {
		t.Fatalf("read workspace: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty workspace, found %d entries", len(entries))
	}
}

func TestTriggerDottedPackageName(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{})
	ctx := context.Background()
	if err := f.store.Put(ctx, "node-env-1.2.tar.gz", []byte("archive")); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	req := validRequest()
	req.PackageName = "node-env-1.2"

	res, err := f.svc.Trigger(ctx, req)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	rec, _ := f.svc.Status(ctx, res.DeploymentID)
	if res.Package != "node-env-1.2" || rec.Package != res.Package {
		t.Fatalf("expected package node-env-1.2 in result and ledger, got %q and %q", res.Package, rec.Package)
	}
	if rec.Destination != "https://node-env-1.2.15.126.129.33.xip.io" {
		t.Fatalf("unexpected destination %q", rec.Destination)
	}

	f.queue.runAll(ctx)

	var push, extract []string
	for _, s := range f.runner.steps {
		switch s.Status {
		case StepDeployed:
			push = s.Command
		case StepExtract:
			extract = s.Command
		}
	}
	if push == nil || push[5] != "node-env-1.2" || push[7] != "node-env-1.2" {
		t.Fatalf("expected push of node-env-1.2, got %v", push)
	}
	if extract == nil || !strings.HasSuffix(extract[2], "/node-env-1.2/node-env-1.2.tar.gz") {
		t.Fatalf("unexpected extract command %v", extract)
	}
}

func TestTriggerMissingPackage(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{})
	req := validRequest()
	req.PackageName = "ghost"

	_, err := f.svc.Trigger(context.Background(), req)
	if !errors.Is(err, ErrPackageNotFound) {
		t.Fatalf("expected ErrPackageNotFound, got %v", err)
	}
	if len(f.queue.tasks) != 0 {
		t.Fatalf("expected nothing queued, got %d", len(f.queue.tasks))
	}
	records, err := f.svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no ledger entries, got %+v", records)
	}
}

func TestTriggerValidatesRequest(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{})
	cases := map[string]func(*TriggerRequest){
		"missing package":  func(r *TriggerRequest) { r.PackageName = " " },
		"missing endpoint": func(r *TriggerRequest) { r.EndpointURL = "" },
		"missing username": func(r *TriggerRequest) { r.Username = "" },
		"missing password": func(r *TriggerRequest) { r.Password = "" },
		"path in name":     func(r *TriggerRequest) { r.PackageName = "../etc/passwd" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			if _, err := f.svc.Trigger(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestTriggerQueueFullRecordsFailure(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{})
	f.queue.err = taskmanager.ErrQueueFull

	_, err := f.svc.Trigger(context.Background(), validRequest())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	records, err := f.svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if got := historyStatuses(records[0]); !reflect.DeepEqual(got, []string{StatusInit, batch.StatusFailed}) {
		t.Fatalf("expected INIT, FAILED, got %v", got)
	}
}

func TestTriggerWithStoppedManager(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{})
	tm := taskmanager.NewTaskManager(1, 1, quietLogger())
	tm.Stop()
	f.svc.tasks = tm

	if _, err := f.svc.Trigger(context.Background(), validRequest()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestTriggerPackagePathMode(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{UsePackagePath: true})
	ctx := context.Background()

	res, err := f.svc.Trigger(ctx, validRequest())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	staged := filepath.Join(f.ws.Root(), res.DeploymentID, "node-env.tar.gz")
	data, err := os.ReadFile(staged)
	if err != nil || string(data) != "archive" {
		t.Fatalf("expected archive staged at %s, got %q %v", staged, data, err)
	}

	f.queue.runAll(ctx)

	rec, _ := f.svc.Status(ctx, res.DeploymentID)
	got := historyStatuses(rec)
	if got[1] != batch.StatusStarted {
		t.Fatalf("expected no DOWNLOADING in package-path mode, got %v", got)
	}
	if labels := f.runner.labels(); labels[0] != StepPreview {
		t.Fatalf("expected batch to start with PREVIEW, got %v", labels)
	}
	if _, err := os.Stat(filepath.Dir(staged)); !os.IsNotExist(err) {
		t.Fatalf("expected staged directory removed, stat err %v", err)
	}
}

func TestFailedDeploymentReportsOutcome(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{})
	f.runner.codes = map[string]int{StepLogin: 1}

	if _, err := f.svc.Trigger(context.Background(), validRequest()); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.queue.runAll(context.Background())
	if !reflect.DeepEqual(f.outcomes, []string{OutcomeFailed}) {
		t.Fatalf("expected failed outcome, got %v", f.outcomes)
	}
}

func TestStatusUnknownID(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{})
	rec, found := f.svc.Status(context.Background(), "does-not-exist")
	if found {
		t.Fatalf("expected unknown id, got %+v", rec)
	}
	if rec.Package != "N/A" || rec.DeployID != "does-not-exist" || len(rec.History) != 0 {
		t.Fatalf("unexpected default record %+v", rec)
	}
}

func TestListNewestFirst(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{})
	ctx := context.Background()
	for id, stamp := range map[string]string{
		"a": "2024-01-01 10:00:00.000000",
		"b": "2024-03-01 10:00:00.000000",
		"c": "2024-02-01 10:00:00.000000",
	} {
		data, _ := json.Marshal(ledger.Record{DeployID: id, DeployStatus: "SUCCESS", Datetime: stamp, History: []string{}})
		if err := f.store.Put(ctx, ledger.Key(id), data); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	records, err := f.svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, rec := range records {
		ids = append(ids, rec.DeployID)
	}
	if !reflect.DeepEqual(ids, []string{"b", "c", "a"}) {
		t.Fatalf("expected newest first, got %v", ids)
	}
}

func TestPackagesListsArchivesOnly(t *testing.T) {
	f := newServiceFixture(t, config.DeployerConfig{})
	ctx := context.Background()
	if _, err := f.svc.ledger.Set(ctx, "x", StatusInit); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := f.store.Put(ctx, "readme.txt", []byte("hi")); err != nil {
		t.Fatalf("put: %v", err)
	}
	objects, err := f.svc.Packages(ctx)
	if err != nil {
		t.Fatalf("packages: %v", err)
	}
	if len(objects) != 1 || objects[0].Name != "node-env.tar.gz" {
		t.Fatalf("expected only the archive, got %+v", objects)
	}
	if err := f.svc.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}
