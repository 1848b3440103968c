package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/splax/helion-deployer/internal/batch"
	"github.com/splax/helion-deployer/internal/blobstore"
	"github.com/splax/helion-deployer/internal/composer"
	"github.com/splax/helion-deployer/internal/ledger"
	"github.com/splax/helion-deployer/internal/taskmanager"
	"github.com/splax/helion-deployer/internal/workspace"
	"github.com/splax/helion-deployer/pkg/config"
)

var (
	// ErrInvalidRequest marks trigger requests with missing fields.
	ErrInvalidRequest = errors.New("invalid deploy request")
	// ErrPackageNotFound is returned when the archive is not in the store.
	ErrPackageNotFound = errors.New("package not found")
	// ErrBusy is returned when no deployment slot is available.
	ErrBusy = errors.New("deployment queue full")
)

// Outcomes passed to an outcome observer.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// TriggerRequest asks for a package to be deployed to an endpoint.
type TriggerRequest struct {
	PackageName string `json:"package_name"`
	EndpointURL string `json:"endpoint_url"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

// TriggerResult is returned once the deployment has been queued.
type TriggerResult struct {
	DeploymentID string `json:"deployment_id"`
	Package      string `json:"package"`
	Status       string `json:"status"`
}

// TaskQueue accepts background work.
type TaskQueue interface {
	AddTask(task taskmanager.Task) error
}

// Service triggers deployments and answers status queries.
type Service struct {
	store     blobstore.Store
	ledger    *ledger.Ledger
	workspace *workspace.Manager
	tasks     TaskQueue
	logger    *slog.Logger
	cfg       config.DeployerConfig
	notifier  Notifier
	runner    batch.Runner
	observe   func(outcome string)
}

// Option customises a Service.
type Option func(*Service)

// WithStatusNotifier forwards every transition to n.
func WithStatusNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithStepRunner overrides how batch steps run.
func WithStepRunner(r batch.Runner) Option {
	return func(s *Service) { s.runner = r }
}

// WithOutcomeObserver is called with OutcomeSuccess or OutcomeFailed after
// each deployment.
func WithOutcomeObserver(fn func(outcome string)) Option {
	return func(s *Service) { s.observe = fn }
}

// New creates a deployment service.
func New(store blobstore.Store, l *ledger.Ledger, ws *workspace.Manager, tasks TaskQueue, logger *slog.Logger, cfg config.DeployerConfig, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     store,
		ledger:    l,
		workspace: ws,
		tasks:     tasks,
		logger:    logger,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger validates req, records INIT and queues the deployment. It returns
// before the deployment runs.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	if err := validate(req); err != nil {
		return TriggerResult{}, err
	}
	name := strings.TrimSpace(req.PackageName)
	archive := ArchiveName(name)

	exists, err := s.store.Exists(ctx, archive)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("check package %s: %w", name, err)
	}
	if !exists {
		return TriggerResult{}, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}

	id := NewID()
	path, stageDir, err := s.stagePackage(ctx, id, archive)
	if err != nil {
		return TriggerResult{}, err
	}
	release := func() {
		if stageDir == "" {
			return
		}
		if err := s.workspace.Cleanup(stageDir); err != nil {
			s.logger.Warn("staging cleanup failed", "deployment_id", id, "error", err)
		}
	}

	pkg, err := NewPackage(name, path, req.EndpointURL)
	if err != nil {
		release()
		return TriggerResult{}, err
	}
	cli := composer.New(req.EndpointURL, req.Username, req.Password, composer.WithBinary(s.cfg.HelionBinary))
	status := s.ledger.ForPackage(ledger.PackageInfo{Name: pkg.Name, Destination: pkg.Destination})

	dep, err := NewDeployment(pkg, cli, status, s.cfg.UsePackagePath,
		WithID(id),
		WithStore(s.store),
		WithWorkspace(s.workspace),
		WithLogger(s.logger),
		WithNotifier(s.notifier),
		WithRunner(s.runner),
		WithStepTimeout(s.cfg.StepTimeout),
		WithLogout(s.cfg.HelionLogout),
	)
	if err != nil {
		release()
		return TriggerResult{}, fmt.Errorf("create deployment: %w", err)
	}

	if _, err := dep.SetStatus(ctx, StatusInit); err != nil {
		dep.cleanup()
		return TriggerResult{}, fmt.Errorf("record initial status: %w", err)
	}

	if err := s.tasks.AddTask(func(taskCtx context.Context) { s.run(taskCtx, dep) }); err != nil {
		s.logger.Error("deployment not queued", "deployment_id", id, "error", err)
		if _, serr := dep.SetStatus(context.WithoutCancel(ctx), batch.StatusFailed); serr != nil {
			s.logger.Error("status write failed", "deployment_id", id, "error", serr)
		}
		dep.cleanup()
		if errors.Is(err, taskmanager.ErrQueueFull) || errors.Is(err, taskmanager.ErrStopped) {
			return TriggerResult{}, fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return TriggerResult{}, fmt.Errorf("queue deployment: %w", err)
	}

	s.logger.Info("deployment queued", "deployment_id", id, "package", name, "endpoint", req.EndpointURL)
	return TriggerResult{DeploymentID: id, Package: name, Status: StatusInit}, nil
}

func (s *Service) run(ctx context.Context, dep *Deployment) {
	if s.cfg.DeployTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DeployTimeout)
		defer cancel()
	}
	if err := dep.Deploy(ctx); err != nil {
		s.logger.Error("deployment not started", "deployment_id", dep.ID(), "error", err)
		return
	}
	if s.observe != nil {
		outcome := OutcomeFailed
		if dep.Deployed() {
			outcome = OutcomeSuccess
		}
		s.observe(outcome)
	}
}

// stagePackage decides where the archive lives on disk. In package-path mode
// the archive is fetched now into a fresh directory that becomes the working
// directory; otherwise the deployment downloads it into the package cache.
func (s *Service) stagePackage(ctx context.Context, id, archive string) (path, stageDir string, err error) {
	if !s.cfg.UsePackagePath {
		return filepath.Join(s.cfg.PackageDir, archive), "", nil
	}
	if s.workspace == nil {
		return "", "", errors.New("package-path mode requires a workspace")
	}
	dir, err := s.workspace.Prepare(id)
	if err != nil {
		return "", "", err
	}
	data, err := s.store.Get(ctx, archive)
	if err != nil {
		_ = s.workspace.Cleanup(dir)
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", "", fmt.Errorf("%w: %s", ErrPackageNotFound, archive)
		}
		return "", "", fmt.Errorf("%w %s: %v", ErrPackageFetch, archive, err)
	}
	path = filepath.Join(dir, archive)
	if err := writeFileAtomic(path, data); err != nil {
		_ = s.workspace.Cleanup(dir)
		return "", "", fmt.Errorf("%w %s: %v", ErrPackageFetch, archive, err)
	}
	return path, dir, nil
}

// Status returns the record for id and whether it carries a status.
func (s *Service) Status(ctx context.Context, id string) (ledger.Record, bool) {
	rec := s.ledger.Get(ctx, strings.TrimSpace(id))
	return rec, rec.Found()
}

// List returns every deployment record, most recent first.
func (s *Service) List(ctx context.Context) ([]ledger.Record, error) {
	records, err := s.ledger.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Datetime > records[j].Datetime
	})
	return records, nil
}

// Packages lists the deployable archives in the store.
func (s *Service) Packages(ctx context.Context) ([]blobstore.Object, error) {
	objects, err := s.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	out := make([]blobstore.Object, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Name, archiveSuffix) {
			out = append(out, obj)
		}
	}
	return out, nil
}

// Health checks that the blob store is reachable.
func (s *Service) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.store.EnsureContainer(ctx)
}

func validate(req TriggerRequest) error {
	var missing []string
	if strings.TrimSpace(req.PackageName) == "" {
		missing = append(missing, "package_name")
	}
	if strings.TrimSpace(req.EndpointURL) == "" {
		missing = append(missing, "endpoint_url")
	}
	if strings.TrimSpace(req.Username) == "" {
		missing = append(missing, "username")
	}
	if req.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if strings.ContainsAny(req.PackageName, `/\`) || strings.Contains(req.PackageName, "..") {
		return fmt.Errorf("%w: invalid package name", ErrInvalidRequest)
	}
	return nil
}
