package repository

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/archbuild/coordinator/pkg/bus"
	"github.com/archbuild/coordinator/pkg/config"
	"github.com/archbuild/coordinator/pkg/log"
	"github.com/archbuild/coordinator/pkg/metrics"
	"github.com/archbuild/coordinator/pkg/state"
	"github.com/archbuild/coordinator/pkg/types"
)

// Dir is where the repository database and its package files live,
// bind-mounted into build containers as /repo and served by the HTTP
// ingress at GET /repo/*.
const Dir = "/output/"

const (
	repoAddBin    = "repo-add"
	repoRemoveBin = "repo-remove"
)

// Manager is the sole writer of the pacman repository database. It
// subscribes to the bus and reacts to ArtifactsUploaded and
// RemovePackages; every other message is ignored.
type Manager struct {
	bus    *bus.Broker
	store  *state.Store
	cfg    config.Config
	logger zerolog.Logger

	// dir is where the repository database and package files live.
	// Defaults to Dir; overridable by tests.
	dir string
	// runCommand invokes a repository tool. Defaults to execCommand;
	// overridable by tests so they don't need repo-add/repo-remove
	// installed.
	runCommand func(name string, args []string, dir string) bool
}

// New creates a Manager. Run must be called to start it.
func New(b *bus.Broker, s *state.Store, cfg config.Config) *Manager {
	return &Manager{
		bus:        b,
		store:      s,
		cfg:        cfg,
		logger:     log.WithComponent("repository"),
		dir:        Dir,
		runCommand: execCommand,
	}
}

// Run rebuilds the repository database from the state store's recorded
// files, then blocks handling bus messages until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.recreate()

	sub := m.bus.Subscribe()
	defer m.bus.Unsubscribe(sub)

	for ctx.Err() == nil {
		msg, ok := sub.Recv(ctx, 60*time.Second)
		if !ok {
			continue
		}
		m.handle(msg)
	}

	m.logger.Info().Msg("stopping repository manager")
}

func (m *Manager) handle(msg types.Message) {
	switch message := msg.(type) {
	case types.ArtifactsUploaded:
		m.logger.Info().Str("package", message.Package).Msg("successfully built package")

		if !m.addToRepo(message.Files) {
			return
		}
		if err := m.store.RecordBuild(message.Package, message.BuildTime, message.Files); err != nil {
			m.logger.Error().Err(err).Str("package", message.Package).Msg("failed to record build")
			return
		}
		m.bus.Publish(types.BuildSuccess{Package: message.Package})

	case types.RemovePackages:
		var files []string
		var packages []types.Package
		for pkg := range message.Packages {
			pkgFiles := m.store.Files(pkg)
			if len(pkgFiles) == 0 {
				continue
			}
			files = append(files, pkgFiles...)
			packages = append(packages, pkg)
		}
		m.removeFromRepo(files, packages)
	}
}

func (m *Manager) recreate() {
	m.logger.Debug().Msg("recreating repository")

	for _, suffix := range []string{".db", ".db.tar.zst", ".files", ".files.tar.zst"} {
		path := filepath.Join(m.dir, m.cfg.RepoName+suffix)
		if _, err := os.Stat(path); err == nil {
			if err := os.Remove(path); err != nil {
				m.logger.Error().Err(err).Str("file", path).Msg("failed to delete stale repo file")
			}
		}
	}

	m.addToRepo(m.store.AllFiles())
}

// addToRepo adds files to the repository database, pruning any
// out-of-date or missing package entries in the same pass (--new
// --remove --prevent-downgrade --verify matches what a worker's own
// repo-add invocation would do after a signed build).
func (m *Manager) addToRepo(files []string) bool {
	if len(files) == 0 {
		return true
	}

	args := append([]string{"--new", "--remove", "--prevent-downgrade", "--verify", m.dbName()}, files...)
	return m.timedRun(repoAddBin, args)
}

func (m *Manager) removeFromRepo(files []string, packages []types.Package) {
	if _, err := os.Stat(filepath.Join(m.dir, m.dbName())); err != nil {
		return
	}

	args := append([]string{m.dbName()}, packages...)
	m.timedRun(repoRemoveBin, args)

	for _, file := range files {
		if err := os.Remove(filepath.Join(m.dir, file)); err != nil {
			m.logger.Error().Err(err).Str("file", file).Msg("failed to delete package file")
		}
	}
}

func (m *Manager) dbName() string {
	return m.cfg.RepoName + ".db.tar.zst"
}

// timedRun wraps runCommand with per-tool duration and outcome metrics.
func (m *Manager) timedRun(name string, args []string) bool {
	timer := metrics.NewTimer()
	ok := m.runCommand(name, args, m.dir)
	timer.ObserveDurationVec(metrics.RepoToolDuration, name)

	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	metrics.RepoToolInvocationsTotal.WithLabelValues(name, outcome).Inc()

	if ok {
		metrics.UpdateComponent("repository", true, "")
	} else {
		metrics.UpdateComponent("repository", false, name+" failed, see logs")
	}
	return ok
}

// execCommand is the real runCommand implementation, spawning the named
// repository tool as a subprocess.
func execCommand(name string, args []string, dir string) bool {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		log.WithComponent("repository").Error().Err(err).Str("tool", name).Strs("args", args).Bytes("output", output).Msg("repository tool failed")
		return false
	}
	return true
}
