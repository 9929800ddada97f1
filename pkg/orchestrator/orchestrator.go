package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/archbuild/coordinator/pkg/bus"
	"github.com/archbuild/coordinator/pkg/config"
	"github.com/archbuild/coordinator/pkg/log"
	"github.com/archbuild/coordinator/pkg/metrics"
	"github.com/archbuild/coordinator/pkg/runtime"
	"github.com/archbuild/coordinator/pkg/state"
	"github.com/archbuild/coordinator/pkg/types"
)

// dispatchInterval is how often the orchestrator looks for a new package
// to dispatch and polls active containers for completion.
const dispatchInterval = 100 * time.Millisecond

// logDir is where build container output is captured so it can be read
// back and logged on a non-zero exit.
const logDir = "/tmp/aurbuild-logs"

type queueEntry struct {
	Package types.Package
	URL     string
}

// containerRuntime is the slice of *runtime.Runtime the orchestrator
// depends on, narrowed to an interface so tests can exercise the
// dispatch/reap logic without a live containerd socket.
type containerRuntime interface {
	EnsureImage(ctx context.Context, imageRef string) error
	CreateContainer(ctx context.Context, opts runtime.CreateOptions) (string, error)
	StartContainer(ctx context.Context, containerID, logPath string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	DeleteContainer(ctx context.Context, containerID string) error
	GetContainerStatus(ctx context.Context, containerID string) (runtime.Status, error)
}

// Orchestrator dispatches queued builds into containers and reports their
// outcome back over the bus.
type Orchestrator struct {
	bus     *bus.Broker
	store   *state.Store
	runtime containerRuntime
	cfg     config.Config
	logger  zerolog.Logger

	queue            []queueEntry
	activeContainers map[types.Package]string
}

// New creates an Orchestrator. Run must be called to start it.
func New(b *bus.Broker, s *state.Store, rt containerRuntime, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		bus:              b,
		store:            s,
		runtime:          rt,
		cfg:              cfg,
		logger:           log.WithComponent("orchestrator"),
		activeContainers: make(map[types.Package]string),
	}
}

// Run blocks until ctx is cancelled, then stops every active container in
// parallel before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.runtime.EnsureImage(ctx, o.cfg.Image); err != nil {
		return fmt.Errorf("orchestrator startup: %w", err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create build log dir: %w", err)
	}

	sub := o.bus.Subscribe()
	defer o.bus.Unsubscribe(sub)

	for ctx.Err() == nil {
		if msg, ok := sub.TryRecv(); ok {
			o.handle(ctx, msg)
		}

		if len(o.activeContainers) < o.cfg.MaxBuilders {
			o.dispatchNext(ctx)
		}

		o.reapContainers(ctx)

		select {
		case <-ctx.Done():
		case <-time.After(dispatchInterval):
		}
	}

	o.shutdown(context.Background())
	o.logger.Info().Msg("stopped orchestrator")
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, msg types.Message) {
	switch m := msg.(type) {
	case types.BuildPackage:
		o.enqueue(m.Package)
	case types.RemovePackages:
		for pkg := range m.Packages {
			o.cancel(ctx, pkg)
		}
	}
}

func (o *Orchestrator) enqueue(pkg types.Package) {
	if _, active := o.activeContainers[pkg]; active {
		return
	}
	for _, entry := range o.queue {
		if entry.Package == pkg {
			return
		}
	}

	o.queue = append(o.queue, queueEntry{Package: pkg, URL: o.store.BuildURL(pkg)})
	o.store.QueueBuild(pkg)
}

// cancel drops a package from the build queue and, if it is currently
// building, stops and removes its container.
func (o *Orchestrator) cancel(ctx context.Context, pkg types.Package) {
	for i, entry := range o.queue {
		if entry.Package == pkg {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			break
		}
	}
	o.store.DequeueBuild(pkg)

	containerID, active := o.activeContainers[pkg]
	if !active {
		return
	}

	o.logger.Info().Str("package", pkg).Msg("stopping build, package was removed")
	if err := o.runtime.StopContainer(ctx, containerID, 0); err != nil {
		o.logger.Warn().Err(err).Str("package", pkg).Msg("failed to stop container")
	}
	if err := o.runtime.DeleteContainer(ctx, containerID); err != nil {
		o.logger.Warn().Err(err).Str("package", pkg).Msg("failed to delete container")
	}
	o.store.RemoveActiveContainer(containerID)
	delete(o.activeContainers, pkg)
	o.reportActiveContainers()
}

// dispatchNext starts a container for the first queued package whose
// dependencies have all been built, if any.
func (o *Orchestrator) dispatchNext(ctx context.Context) {
	index := -1
	for i, entry := range o.queue {
		if o.store.DependenciesMet(entry.Package) {
			index = i
			break
		}
	}
	if index == -1 {
		return
	}

	entry := o.queue[index]
	o.queue = append(o.queue[:index], o.queue[index+1:]...)

	containerID, err := o.startBuild(ctx, entry)
	if err != nil {
		o.logger.Error().Err(err).Str("package", entry.Package).Msg("failed to start build container")
		return
	}

	o.activeContainers[entry.Package] = containerID
	o.store.AddActiveContainer(containerID)
	o.store.DequeueBuild(entry.Package)
	o.reportActiveContainers()
}

func (o *Orchestrator) startBuild(ctx context.Context, entry queueEntry) (string, error) {
	env := map[string]string{
		"PACKAGE": entry.Package,
		"URL":     entry.URL,
		"REPO":    o.cfg.RepoName,
		"PORT":    fmt.Sprintf("%d", o.cfg.Port),
	}

	containerID, err := o.runtime.CreateContainer(ctx, runtime.CreateOptions{
		Name:             entry.Package,
		Image:            o.cfg.Image,
		Env:              env,
		MemoryLimitBytes: o.cfg.MemoryLimit,
		RepoDir:          "/output",
	})
	if err != nil {
		return "", err
	}

	if err := o.runtime.StartContainer(ctx, containerID, o.logPath(entry.Package)); err != nil {
		return "", err
	}

	o.logger.Debug().Str("package", entry.Package).Str("container", containerID).Msg("started build container")
	return containerID, nil
}

func (o *Orchestrator) logPath(pkg types.Package) string {
	return filepath.Join(logDir, pkg+".log")
}

// reapContainers polls every active container's task status, clearing
// finished ones and reporting build failures.
func (o *Orchestrator) reapContainers(ctx context.Context) {
	healthy := true

	for pkg, containerID := range o.activeContainers {
		status, err := o.runtime.GetContainerStatus(ctx, containerID)
		if err != nil {
			o.logger.Warn().Err(err).Str("container", containerID).Msg("failed to inspect container")
			healthy = false
			continue
		}

		switch status.State {
		case runtime.StateExited:
			if status.ExitCode != 0 {
				o.logger.Warn().Str("package", pkg).Uint32("exit_code", status.ExitCode).Msg("build container exited abnormally")
				if logs, err := runtime.GetContainerLogs(o.logPath(pkg)); err == nil {
					o.logger.Warn().Str("package", pkg).Msg(logs)
				}
				metrics.BuildsFailedTotal.Inc()
				o.bus.Publish(types.BuildFailure{Package: pkg})
			}

			if err := o.runtime.DeleteContainer(ctx, containerID); err != nil {
				o.logger.Warn().Err(err).Str("container", containerID).Msg("failed to clean up container")
			}
			o.store.RemoveActiveContainer(containerID)
			delete(o.activeContainers, pkg)
			o.reportActiveContainers()

		case runtime.StateCreated, runtime.StatePaused, runtime.StateUnknown:
			o.logger.Warn().Str("container", containerID).Str("state", string(status.State)).Msg("container in unusual state")

		case runtime.StateRunning:
			// nothing to do
		}
	}

	if healthy {
		metrics.UpdateComponent("orchestrator", true, "")
	} else {
		metrics.UpdateComponent("orchestrator", false, "failed to inspect one or more build containers")
	}
}

// reportActiveContainers refreshes the active-container gauge.
func (o *Orchestrator) reportActiveContainers() {
	metrics.ActiveContainersTotal.Set(float64(len(o.activeContainers)))
}

// shutdown stops every active container in parallel.
func (o *Orchestrator) shutdown(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)

	for pkg, containerID := range o.activeContainers {
		pkg, containerID := pkg, containerID
		group.Go(func() error {
			if err := o.runtime.StopContainer(groupCtx, containerID, 0); err != nil {
				o.logger.Warn().Err(err).Str("package", pkg).Msg("failed to stop container during shutdown")
			}
			if err := o.runtime.DeleteContainer(groupCtx, containerID); err != nil {
				o.logger.Warn().Err(err).Str("package", pkg).Msg("failed to delete container during shutdown")
			}
			o.store.RemoveActiveContainer(containerID)
			return nil
		})
	}

	_ = group.Wait()
	o.activeContainers = make(map[types.Package]string)
	o.reportActiveContainers()
}
