package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/archbuild/coordinator/pkg/log"
	"github.com/archbuild/coordinator/pkg/types"
	"github.com/google/renameio"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
)

// DefaultPath is where the coordinator's state document lives inside its
// container.
const DefaultPath = "/config/state.json"

// ErrPackageNotTracked is returned by operations that require a package to
// already be tracked.
var ErrPackageNotTracked = errors.New("package is not tracked")

// document is the on-disk shape of the state file.
type document struct {
	Packages map[types.Package]*types.PackageInfo `json:"packages"`
}

// Store is the coordinator's persistent package state plus the ephemeral
// bookkeeping (active containers, packages queued for build) that the
// orchestrator and HTTP ingress need to share but that must never survive
// a restart.
type Store struct {
	mu   deadlock.RWMutex
	path string
	doc  document

	activeContainers map[string]struct{}
	pendingBuilds    map[types.Package]struct{}
}

// Load reads the state document at path, creating an empty one in memory
// if the file does not yet exist.
func Load(path string) (*Store, error) {
	s := &Store{
		path:             path,
		doc:              document{Packages: make(map[types.Package]*types.PackageInfo)},
		activeContainers: make(map[string]struct{}),
		pendingBuilds:    make(map[types.Package]struct{}),
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(raw, &s.doc); err != nil {
		return nil, err
	}
	if s.doc.Packages == nil {
		s.doc.Packages = make(map[types.Package]*types.PackageInfo)
	}
	for name, info := range s.doc.Packages {
		if info != nil {
			info.Name = name
		}
	}
	return s, nil
}

// persist serializes the document and writes it atomically. Must be
// called without the lock held.
func (s *Store) persist() {
	s.mu.RLock()
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()

	if err != nil {
		log.WithComponent("state").Error().Err(err).Msg("failed to serialize state document")
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		log.WithComponent("state").Error().Err(err).Msg("failed to create state directory")
		return
	}

	if err := renameio.WriteFile(s.path, raw, 0o644); err != nil {
		log.WithComponent("state").Error().Err(err).Msg("failed to persist state document")
	}
}

// TrackedPackages returns every currently tracked package name.
func (s *Store) TrackedPackages() []types.Package {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := lo.Keys(s.doc.Packages)
	sort.Strings(names)
	return names
}

// TrackedAUR returns tracked packages resolved against the registry
// (as opposed to pinned by URL).
func (s *Store) TrackedAUR() []types.Package {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []types.Package
	for name, info := range s.doc.Packages {
		if !info.Source.IsExternal() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// TrackedByURL returns the URL each URL-pinned tracked package was added
// with, keyed by package name.
func (s *Store) TrackedByURL() map[types.Package]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	urls := make(map[types.Package]string)
	for name, info := range s.doc.Packages {
		if info.Source.IsExternal() {
			urls[name] = info.Source.URL
		}
	}
	return urls
}

// IsTracked reports whether a package is currently tracked.
func (s *Store) IsTracked(pkg types.Package) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.doc.Packages[pkg]
	return ok
}

// TrackPackage starts tracking a registry-resolved package if it isn't
// tracked already. It is a no-op, returning false, when the package was
// already tracked.
func (s *Store) TrackPackage(pkg types.Package, dependencies types.StringSet, isDependency bool) bool {
	s.mu.Lock()
	if _, exists := s.doc.Packages[pkg]; exists {
		s.mu.Unlock()
		return false
	}
	s.doc.Packages[pkg] = &types.PackageInfo{
		Name:         pkg,
		IsDependency: isDependency,
		Dependencies: dependencies,
	}
	s.mu.Unlock()

	s.persist()
	return true
}

// TrackPackageURL starts tracking a package pinned to an explicit build
// URL, overwriting any existing record for the same name (re-adding by
// URL always refreshes the pin).
func (s *Store) TrackPackageURL(pkg types.Package, url string, dependencies types.StringSet) {
	s.mu.Lock()
	s.doc.Packages[pkg] = &types.PackageInfo{
		Name:         pkg,
		Source:       types.PackageSource{URL: url},
		Dependencies: dependencies,
	}
	s.mu.Unlock()

	s.persist()
}

// RemovePackages stops tracking the named packages.
func (s *Store) RemovePackages(packages types.StringSet) {
	s.mu.Lock()
	for pkg := range packages {
		delete(s.doc.Packages, pkg)
	}
	s.mu.Unlock()

	s.persist()
}

// UnneededDependencies returns tracked packages that were only ever added
// as someone else's dependency, and that nothing tracked still depends on
// (dependency-only packages are garbage collected once unreferenced).
func (s *Store) UnneededDependencies() types.StringSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	referenced := make(map[types.Package]struct{})
	for _, info := range s.doc.Packages {
		for dep := range info.Dependencies {
			referenced[dep] = struct{}{}
		}
	}

	unneeded := make(types.StringSet)
	for name, info := range s.doc.Packages {
		if info.IsDependency {
			if _, stillNeeded := referenced[name]; !stillNeeded {
				unneeded[name] = struct{}{}
			}
		}
	}
	return unneeded
}

// RecordBuild marks a package as freshly built, recording when and which
// files it produced.
func (s *Store) RecordBuild(pkg types.Package, buildTime int64, files []string) error {
	s.mu.Lock()
	info, ok := s.doc.Packages[pkg]
	if !ok {
		s.mu.Unlock()
		return ErrPackageNotTracked
	}
	info.Build = &types.BuildRecord{BuildTime: buildTime, Files: files}
	s.mu.Unlock()

	s.persist()
	return nil
}

// BuildTimes returns the last successful build time for each of the given
// packages that has one.
func (s *Store) BuildTimes(packages []types.Package) map[types.Package]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	times := make(map[types.Package]int64, len(packages))
	for _, pkg := range packages {
		info, ok := s.doc.Packages[pkg]
		if ok && info.HasBuilt() {
			times[pkg] = info.Build.BuildTime
		}
	}
	return times
}

// Files returns the files recorded for a package's most recent build.
func (s *Store) Files(pkg types.Package) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.doc.Packages[pkg]
	if !ok || info.Build == nil {
		return nil
	}
	return info.Build.Files
}

// AllFiles returns every file recorded across every tracked package's
// most recent build, used to rebuild the repository database from
// scratch at startup.
func (s *Store) AllFiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var files []string
	for _, info := range s.doc.Packages {
		if info.Build != nil {
			files = append(files, info.Build.Files...)
		}
	}
	return files
}

// BuildURL returns the pinned build URL for a package, if it has one.
func (s *Store) BuildURL(pkg types.Package) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.doc.Packages[pkg]
	if !ok {
		return ""
	}
	return info.Source.URL
}

// DependenciesMet reports whether every dependency of pkg has itself been
// built at least once; a package is only dispatched to a build container
// once its declared dependencies are satisfied.
func (s *Store) DependenciesMet(pkg types.Package) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.doc.Packages[pkg]
	if !ok {
		return false
	}

	for dep := range info.Dependencies {
		depInfo, tracked := s.doc.Packages[dep]
		if !tracked || !depInfo.HasBuilt() {
			return false
		}
	}
	return true
}

// SetLastChecked records when the scheduler last evaluated a package for
// an update, exposed for observability via GET /status.
func (s *Store) SetLastChecked(pkg types.Package, timestamp int64) {
	s.mu.Lock()
	info, ok := s.doc.Packages[pkg]
	if !ok {
		s.mu.Unlock()
		return
	}
	info.LastChecked = timestamp
	s.mu.Unlock()

	s.persist()
}

// Snapshot returns a defensive copy of every tracked package's info,
// suitable for JSON serialization by the HTTP ingress.
func (s *Store) Snapshot() map[types.Package]types.PackageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[types.Package]types.PackageInfo, len(s.doc.Packages))
	for name, info := range s.doc.Packages {
		out[name] = *info
	}
	return out
}

// AddActiveContainer records a build container as currently running,
// identified by its short ID, so GET /key can authenticate the worker
// running inside it.
func (s *Store) AddActiveContainer(shortID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeContainers[shortID] = struct{}{}
}

// RemoveActiveContainer forgets a container once it has exited.
func (s *Store) RemoveActiveContainer(shortID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeContainers, shortID)
}

// IsActiveContainer reports whether shortID names a currently running
// build container.
func (s *Store) IsActiveContainer(shortID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.activeContainers[shortID]
	return ok
}

// QueueBuild marks a package as waiting for a build slot.
func (s *Store) QueueBuild(pkg types.Package) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingBuilds[pkg] = struct{}{}
}

// DequeueBuild clears a package's pending-build marker once it has been
// dispatched to a container or removed.
func (s *Store) DequeueBuild(pkg types.Package) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingBuilds, pkg)
}

// PendingBuilds returns the packages currently waiting for a build slot.
func (s *Store) PendingBuilds() []types.Package {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := lo.Keys(s.pendingBuilds)
	sort.Strings(names)
	return names
}
