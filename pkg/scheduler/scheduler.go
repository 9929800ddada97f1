package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/archbuild/coordinator/pkg/bus"
	"github.com/archbuild/coordinator/pkg/config"
	"github.com/archbuild/coordinator/pkg/log"
	"github.com/archbuild/coordinator/pkg/metrics"
	"github.com/archbuild/coordinator/pkg/registry"
	"github.com/archbuild/coordinator/pkg/state"
	"github.com/archbuild/coordinator/pkg/types"
)

// retryInterval is how often the scheduler re-evaluates both a failed
// update-check pass and pending build retries.
const retryInterval = 5 * time.Minute

// ErrRegistryUnreachable means an update-check pass could not complete
// because the registry did not respond, independent of any single
// package's own per-package errors.
var ErrRegistryUnreachable = errors.New("could not reach the registry for an update check")

// Scheduler owns the update-check and retry clocks and is the only
// component that decides when a package is due for a build.
type Scheduler struct {
	bus      *bus.Broker
	store    *state.Store
	registry *registry.Client
	cfg      config.Config
	logger   zerolog.Logger

	retries map[types.Package]int
}

// New creates a Scheduler. Run must be called to start its loop.
func New(b *bus.Broker, s *state.Store, r *registry.Client, cfg config.Config) *Scheduler {
	return &Scheduler{
		bus:      b,
		store:    s,
		registry: r,
		cfg:      cfg,
		logger:   log.WithComponent("scheduler"),
		retries:  make(map[types.Package]int),
	}
}

// Run blocks until ctx is cancelled, driving the update-check pass, the
// retry pass, and the bus message handlers.
func (s *Scheduler) Run(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	var nextUpdateCheck, nextRetryCheck int64

	for ctx.Err() == nil {
		now := time.Now().Unix()

		if nextUpdateCheck < now {
			if s.checkForUpdates(ctx) {
				nextUpdateCheck = now + int64(s.cfg.UpdateCheckInterval)
				s.retries = make(map[types.Package]int)
				metrics.UpdateComponent("scheduler", true, "")
			} else {
				nextUpdateCheck = now + int64(retryInterval.Seconds())
				metrics.UpdateComponent("scheduler", false, ErrRegistryUnreachable.Error())
			}
		}

		if nextRetryCheck < now {
			s.retryFailedBuilds()
			nextRetryCheck = now + int64(retryInterval.Seconds())
		}

		msg, ok := sub.Recv(ctx, 60*time.Second)
		if !ok {
			continue
		}
		s.handle(ctx, msg)
	}

	s.logger.Info().Msg("stopping scheduler")
}

func (s *Scheduler) retryFailedBuilds() {
	for pkg, attempts := range s.retries {
		if attempts < s.cfg.MaxRetries {
			s.logger.Info().Str("package", pkg).Msg("retrying build")
			metrics.BuildRetriesTotal.Inc()
			s.publishBuild(pkg)
		}
	}
}

// publishBuild emits a BuildPackage message and records it for the
// aurbuild_builds_scheduled_total counter.
func (s *Scheduler) publishBuild(pkg types.Package) {
	s.bus.Publish(types.BuildPackage{Package: pkg})
	metrics.BuildsScheduledTotal.Inc()
}

func (s *Scheduler) handle(ctx context.Context, msg types.Message) {
	switch m := msg.(type) {
	case types.AddPackages:
		s.addPackages(ctx, m.Packages, false)
	case types.AddDependencies:
		s.addPackages(ctx, m.Packages, true)
	case types.AddPackageURL:
		s.addPackageURL(m.URL, m.Data)
	case types.RemovePackages:
		s.removePackages(m.Packages)
	case types.BuildSuccess:
		delete(s.retries, m.Package)
	case types.BuildFailure:
		s.retries[m.Package]++
	}
}

func (s *Scheduler) addPackages(ctx context.Context, packages types.StringSet, asDependency bool) {
	names := make([]types.Package, 0, len(packages))
	for pkg := range packages {
		names = append(names, pkg)
	}

	deps, err := s.registry.Dependencies(ctx, names)
	if err != nil {
		s.logger.Error().Err(err).Strs("packages", names).Msg("failed to fetch dependencies, not adding packages")
		return
	}

	discovered := make(types.StringSet)
	for pkg := range packages {
		if s.store.IsTracked(pkg) {
			continue
		}
		pkgDeps, ok := deps[pkg]
		if !ok {
			s.logger.Warn().Str("package", pkg).Msg("no registry entry for package, may be a meta package; skipping")
			continue
		}
		s.store.TrackPackage(pkg, pkgDeps, asDependency)
		s.logger.Info().Str("package", pkg).Msg("added package")
		s.publishBuild(pkg)
		for dep := range pkgDeps {
			discovered[dep] = struct{}{}
		}
	}

	if len(discovered) > 0 {
		s.bus.Publish(types.AddDependencies{Packages: discovered})
	}
	s.reportTrackedPackages()
}

func (s *Scheduler) addPackageURL(url string, data types.PackageData) {
	if len(data.Depends) > 0 {
		s.bus.Publish(types.AddDependencies{Packages: data.Depends})
	}
	s.store.TrackPackageURL(data.Name, url, data.Depends)
	s.publishBuild(data.Name)
	s.reportTrackedPackages()
}

func (s *Scheduler) removePackages(packages types.StringSet) {
	s.store.RemovePackages(packages)
	s.logger.Info().Strs("packages", types.SortedKeys(packages)).Msg("stopped tracking packages")

	unneeded := s.store.UnneededDependencies()
	if len(unneeded) > 0 {
		s.bus.Publish(types.RemovePackages{Packages: unneeded})
	}
	s.reportTrackedPackages()
}

// reportTrackedPackages refreshes the tracked-package gauges, split by
// whether a package was pulled in directly or only as a dependency.
func (s *Scheduler) reportTrackedPackages() {
	var direct, dependency float64
	for _, info := range s.store.Snapshot() {
		if info.IsDependency {
			dependency++
		} else {
			direct++
		}
	}
	metrics.TrackedPackagesTotal.WithLabelValues("direct").Set(direct)
	metrics.TrackedPackagesTotal.WithLabelValues("dependency").Set(dependency)
}

// checkForUpdates runs one full update-check pass across both AUR-tracked
// and URL-tracked packages. It returns true only if every registry call
// it depended on succeeded; per-package probe errors are logged and
// excluded from that verdict.
func (s *Scheduler) checkForUpdates(ctx context.Context) bool {
	s.logger.Debug().Msg("checking for package updates")

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	success := true

	if err := s.checkAURPackages(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to check aur packages for updates")
		success = false
	}

	if errs := s.checkURLPackages(ctx); len(errs) > 0 {
		for pkg, err := range errs {
			s.logger.Error().Err(err).Str("package", pkg).Msg("error while checking url package")
		}
	}

	return success
}

func (s *Scheduler) checkAURPackages(ctx context.Context) error {
	tracked := s.store.TrackedAUR()
	if len(tracked) == 0 {
		return nil
	}

	lastModified, err := s.registry.LastModified(ctx, tracked)
	if err != nil {
		return ErrRegistryUnreachable
	}

	now := time.Now().Unix()
	buildTimes := s.store.BuildTimes(tracked)
	neverBuilt := types.NewStringSet(tracked...)

	for pkg, buildTime := range buildTimes {
		delete(neverBuilt, pkg)
		if modified, ok := lastModified[pkg]; ok && modified > buildTime {
			s.logger.Info().Str("package", pkg).Msg("package needs to be rebuilt")
			s.publishBuild(pkg)
		}
		s.store.SetLastChecked(pkg, now)
	}

	for pkg := range neverBuilt {
		s.logger.Info().Str("package", pkg).Msg("package needs to be built")
		s.publishBuild(pkg)
		s.store.SetLastChecked(pkg, now)
	}

	return nil
}

func (s *Scheduler) checkURLPackages(ctx context.Context) map[types.Package]error {
	tracked := s.store.TrackedByURL()
	if len(tracked) == 0 {
		return nil
	}

	now := time.Now().Unix()
	buildTimes := s.store.BuildTimes(keysOf(tracked))
	neverBuilt := types.NewStringSet(keysOf(tracked)...)

	toProbe := make([]types.Package, 0, len(tracked))
	urls := make([]string, 0, len(tracked))
	for pkg, buildTime := range buildTimes {
		delete(neverBuilt, pkg)
		toProbe = append(toProbe, pkg)
		urls = append(urls, tracked[pkg])
	}

	errs := make(map[types.Package]error)
	results, probeErrs := s.registry.ProbePKGBUILDs(ctx, urls)
	for i, pkg := range toProbe {
		if probeErrs[i] != nil {
			errs[pkg] = probeErrs[i]
			continue
		}
		s.store.SetLastChecked(pkg, now)
		if buildTimes[pkg] < results[i].LastModified {
			s.logger.Info().Str("package", pkg).Msg("package needs to be rebuilt")
			s.publishBuild(pkg)
		}
	}

	for pkg := range neverBuilt {
		s.logger.Info().Str("package", pkg).Msg("package needs to be built")
		s.publishBuild(pkg)
	}

	return errs
}

func keysOf(m map[types.Package]string) []types.Package {
	keys := make([]types.Package, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
