package types

import "sort"

// Package is an AUR package name, used as both the tracked-package key and
// the container name a build runs under.
type Package = string

// StringSet is the set representation used throughout the coordinator for
// package names and dependency lists.
type StringSet = map[string]struct{}

// NewStringSet builds a StringSet from a slice, deduplicating as it goes.
func NewStringSet(items ...string) StringSet {
	set := make(StringSet, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// SortedKeys returns the members of a StringSet in sorted order, for
// deterministic logging and JSON output.
func SortedKeys(set StringSet) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PackageSource records where a tracked package's build input comes from.
// A package resolved through the AUR registry leaves URL empty; a package
// pinned via POST /packages/add-url carries the git URL it was added with.
type PackageSource struct {
	URL string `json:"url,omitempty"`
}

// IsExternal reports whether the package was added by URL rather than
// resolved against the AUR registry.
func (s PackageSource) IsExternal() bool { return s.URL != "" }

// BuildRecord is the outcome of the most recent successful build of a
// package: when it happened, and which files it deposited in the repo.
type BuildRecord struct {
	BuildTime int64    `json:"build_time"`
	Files     []string `json:"files"`
}

// PackageInfo is the per-package record held in the coordinator's persisted
// state: where the package came from, whether it was pulled in only as a
// dependency of something else (and so is eligible for GC once nothing
// depends on it anymore, see Store.UnneededDependencies), its dependency
// set, and its most recent Build, if any.
type PackageInfo struct {
	Name         Package       `json:"-"`
	Source       PackageSource `json:"source"`
	IsDependency bool          `json:"is_dependency"`
	Dependencies StringSet     `json:"dependencies"`
	Build        *BuildRecord  `json:"build,omitempty"`
	LastChecked  int64         `json:"last_checked,omitempty"`
}

// HasBuilt reports whether the package has ever completed a successful
// build; the scheduler treats a never-built package as always due.
func (p *PackageInfo) HasBuilt() bool { return p != nil && p.Build != nil }

// PackageData is the result of probing a package's build input, whether via
// the AUR registry's batch info RPC or by cloning and sourcing a pinned
// PKGBUILD. It is what the scheduler needs to decide whether a package is
// due for a rebuild and what its dependencies are.
type PackageData struct {
	Name         Package
	LastModified int64
	Depends      StringSet
}
