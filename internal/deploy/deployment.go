package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/helion-deployer/internal/batch"
	"github.com/splax/helion-deployer/internal/blobstore"
	"github.com/splax/helion-deployer/internal/composer"
	"github.com/splax/helion-deployer/internal/ledger"
	"github.com/splax/helion-deployer/internal/workspace"
)

// Status labels recorded by a deployment in addition to the batch labels.
const (
	StatusInit        = "INIT"
	StatusDownloading = "DOWNLOADING"

	StepCopy     = "COPY"
	StepPreview  = "PREVIEW"
	StepUnpack   = "UNPACK"
	StepExtract  = "EXTRACT"
	StepDir      = "DIR"
	StepTarget   = "TARGET"
	StepLogin    = "LOGIN"
	StepRemoved  = "REMOVED"
	StepList     = "LIST"
	StepDeployed = "DEPLOYED"
	StepNewList  = "NEWLIST"
	StepLogout   = "LOGOUT"
)

var (
	// ErrAlreadyStarted is returned by a second call to Deploy.
	ErrAlreadyStarted = errors.New("deployment already started")
	// ErrPackageFetch wraps failures to stage the package archive.
	ErrPackageFetch = errors.New("fetch package")
)

// Composer builds the CLI vectors a deployment runs.
type Composer interface {
	Target() []string
	Login() []string
	List() []string
	Delete(name string) []string
	Push(name, path string) []string
	Logout() []string
}

// StatusLedger persists status transitions by deployment id.
type StatusLedger interface {
	Get(ctx context.Context, id string) ledger.Record
	Set(ctx context.Context, id, status string) (ledger.Record, error)
}

// Notifier receives every recorded transition.
type Notifier interface {
	Notify(ctx context.Context, rec ledger.Record) error
}

// Deployment is one attempt to push a package. Deploy runs at most once.
type Deployment struct {
	id             string
	pkg            Package
	cli            Composer
	ledger         StatusLedger
	store          blobstore.Store
	workspace      *workspace.Manager
	usePackagePath bool
	dir            string
	batch          *batch.Batch
	logger         *slog.Logger
	notifier       Notifier
	runner         batch.Runner
	stepTimeout    time.Duration
	logout         bool

	mu       sync.Mutex
	started  bool
	deployed bool
	steps    []batch.Step
}

// DeploymentOption customises a Deployment.
type DeploymentOption func(*Deployment)

// WithID uses a caller generated deployment id.
func WithID(id string) DeploymentOption {
	return func(d *Deployment) {
		if id != "" {
			d.id = id
		}
	}
}

// WithStore sets the blob store the package archive is fetched from.
func WithStore(store blobstore.Store) DeploymentOption {
	return func(d *Deployment) { d.store = store }
}

// WithWorkspace creates scratch directories under ws instead of the system
// temp dir.
func WithWorkspace(ws *workspace.Manager) DeploymentOption {
	return func(d *Deployment) { d.workspace = ws }
}

// WithLogger sets the deployment logger.
func WithLogger(l *slog.Logger) DeploymentOption {
	return func(d *Deployment) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithNotifier forwards recorded transitions to n.
func WithNotifier(n Notifier) DeploymentOption {
	return func(d *Deployment) { d.notifier = n }
}

// WithRunner overrides how batch steps are executed.
func WithRunner(r batch.Runner) DeploymentOption {
	return func(d *Deployment) { d.runner = r }
}

// WithStepTimeout bounds every batch step.
func WithStepTimeout(timeout time.Duration) DeploymentOption {
	return func(d *Deployment) { d.stepTimeout = timeout }
}

// WithLogout appends a best-effort logout step to the batch.
func WithLogout(enabled bool) DeploymentOption {
	return func(d *Deployment) { d.logout = enabled }
}

// NewDeployment prepares a deployment of pkg. With usePackagePath the
// package directory is the working directory and the archive must already be
// on disk; otherwise a fresh scratch directory is created.
func NewDeployment(pkg Package, cli Composer, status StatusLedger, usePackagePath bool, opts ...DeploymentOption) (*Deployment, error) {
	if cli == nil || status == nil {
		return nil, errors.New("deployment requires a composer and a status ledger")
	}
	d := &Deployment{
		pkg:            pkg,
		cli:            cli,
		ledger:         status,
		usePackagePath: usePackagePath,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.id == "" {
		d.id = NewID()
	}
	d.logger = d.logger.With("deployment_id", d.id, "package", pkg.Name)

	if usePackagePath {
		d.dir = pkg.Cwd
	} else {
		dir, err := d.scratchDir()
		if err != nil {
			return nil, err
		}
		d.dir = dir
	}
	b, err := batch.New(d.dir)
	if err != nil {
		d.cleanup()
		return nil, err
	}
	d.batch = b
	return d, nil
}

// NewID returns a time-based unique deployment id.
func NewID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ID returns the deployment id.
func (d *Deployment) ID() string { return d.id }

// Dir returns the working directory.
func (d *Deployment) Dir() string { return d.dir }

// Deployed reports whether every batch step passed.
func (d *Deployment) Deployed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deployed
}

// Steps returns the executed steps with their results.
func (d *Deployment) Steps() []batch.Step {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]batch.Step(nil), d.steps...)
}

// GetStatus returns the ledger record of this deployment.
func (d *Deployment) GetStatus(ctx context.Context) ledger.Record {
	return d.ledger.Get(ctx, d.id)
}

// SetStatus records status, retrying a failed write once.
func (d *Deployment) SetStatus(ctx context.Context, status string) (ledger.Record, error) {
	rec, err := d.ledger.Set(ctx, d.id, status)
	if err != nil {
		d.logger.Warn("status write failed, retrying", "status", status, "error", err)
		rec, err = d.ledger.Set(ctx, d.id, status)
	}
	if err != nil {
		return ledger.Record{}, err
	}
	if d.notifier != nil {
		if nerr := d.notifier.Notify(ctx, rec); nerr != nil {
			d.logger.Warn("status notification failed", "status", status, "error", nerr)
		}
	}
	return rec, nil
}

// Deploy stages the package and runs the batch. Failures are recorded as
// FAILED in the ledger; only a repeated call returns an error. The working
// directory is removed when Deploy returns.
func (d *Deployment) Deploy(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, d.id)
	}
	d.started = true
	d.mu.Unlock()

	statusCtx := context.WithoutCancel(ctx)
	defer d.cleanup()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("deployment panicked", "panic", r)
			d.recordStatus(statusCtx, batch.StatusFailed)
		}
	}()

	d.buildBatch()

	if err := d.downloadPackage(ctx, statusCtx); err != nil {
		d.logger.Error("package staging failed", "error", err)
		d.recordStatus(statusCtx, batch.StatusFailed)
		return nil
	}

	d.logger.Info("starting deployment", "dir", d.dir, "steps", d.batch.Len())
	exec := batch.NewExecutor(d.batch, func(_ context.Context, status string) {
		d.recordStatus(statusCtx, status)
	},
		batch.WithRunner(d.runner),
		batch.WithStepTimeout(d.stepTimeout),
		batch.WithLogger(d.logger),
		batch.WithRedactor(composer.Redact),
	)
	ok, err := exec.Execute(ctx)
	d.mu.Lock()
	d.deployed = ok
	d.steps = exec.Steps()
	d.mu.Unlock()
	if err != nil {
		d.logger.Error("batch execution failed", "error", err)
		d.recordStatus(statusCtx, batch.StatusFailed)
		return nil
	}
	d.logger.Info("deployment finished", "deployed", ok)
	return nil
}

func (d *Deployment) recordStatus(ctx context.Context, status string) {
	if _, err := d.SetStatus(ctx, status); err != nil {
		d.logger.Error("status write failed", "status", status, "error", err)
	}
}

func (d *Deployment) buildBatch() {
	d.batch.Clear()
	d.addPackageSteps()

	name := d.pkg.Name
	d.batch.Add(StepTarget, d.cli.Target(), false)
	d.batch.Add(StepLogin, d.cli.Login(), false)
	d.batch.Add(StepRemoved, d.cli.Delete(name), true)
	d.batch.Add(StepList, d.cli.List(), false)
	d.batch.Add(StepDeployed, d.cli.Push(name, name), false)
	d.batch.Add(StepNewList, d.cli.List(), false)
	d.batch.Add(StepDir, []string{"ls", "-al"}, false)
	if d.logout {
		d.batch.Add(StepLogout, d.cli.Logout(), true)
	}
}

// addPackageSteps expects name.tar.gz to hold name/name.tar.gz. The tar steps
// read the copy in the working directory.
func (d *Deployment) addPackageSteps() {
	src := d.pkg.Path
	dst := d.dir
	name := d.pkg.Name
	if !d.usePackagePath {
		d.batch.Add(StepCopy, []string{"cp", "-rf", src, dst}, false)
	}
	local := filepath.Join(dst, d.pkg.FileName)
	d.batch.Add(StepPreview, []string{"tar", "-tvf", local}, false)
	d.batch.Add(StepUnpack, []string{"tar", "-zxvf", local}, false)
	d.batch.Add(StepExtract, []string{"tar", "-zxvf", fmt.Sprintf("%s/%s/%s.tar.gz", dst, name, name)}, false)
	d.batch.Add(StepDir, []string{"ls", "-al", fmt.Sprintf("%s/%s", dst, name)}, false)
}

func (d *Deployment) downloadPackage(ctx, statusCtx context.Context) error {
	if d.usePackagePath {
		return nil
	}
	d.recordStatus(statusCtx, StatusDownloading)
	if d.store == nil {
		return fmt.Errorf("%w: no blob store configured", ErrPackageFetch)
	}
	d.logger.Info("downloading package", "key", d.pkg.FileName, "path", d.pkg.Path)
	data, err := d.store.Get(ctx, d.pkg.FileName)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrPackageFetch, d.pkg.FileName, err)
	}
	if err := writeFileAtomic(d.pkg.Path, data); err != nil {
		return fmt.Errorf("%w %s: %v", ErrPackageFetch, d.pkg.FileName, err)
	}
	return nil
}

func (d *Deployment) scratchDir() (string, error) {
	if d.workspace != nil {
		return d.workspace.Prepare(d.id)
	}
	dir, err := os.MkdirTemp("", "deployment-")
	if err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	return dir, nil
}

func (d *Deployment) cleanup() {
	if d.dir == "" {
		return
	}
	d.logger.Info("deleting working directory", "dir", d.dir)
	var err error
	if d.workspace != nil && d.workspace.Contains(d.dir) {
		err = d.workspace.Cleanup(d.dir)
	} else {
		err = removeDir(d.dir)
	}
	if err != nil {
		d.logger.Error("working directory cleanup failed", "dir", d.dir, "error", err)
	}
}

func removeDir(dir string) error {
	clean := filepath.Clean(dir)
	if clean == "/" || clean == "." || !filepath.IsAbs(clean) {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	return os.RemoveAll(clean)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".package-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
