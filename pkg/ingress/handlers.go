package ingress

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/archbuild/coordinator/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) bool {
	return json.NewDecoder(r.Body).Decode(dst) == nil
}

// packageStatus is one tracked package's entry in the GET /status
// response, supplementing a bare name set with the last-checked
// and last-built timestamps original_source's earlier state.rs tracked.
type packageStatus struct {
	Name        string `json:"name"`
	LastChecked int64  `json:"last_checked,omitempty"`
	BuildTime   int64  `json:"build_time,omitempty"`
}

// statusResponse answers GET /status.
type statusResponse struct {
	Packages []packageStatus `json:"packages"`
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := srv.store.Snapshot()

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	packages := make([]packageStatus, 0, len(names))
	for _, name := range names {
		info := snapshot[name]
		entry := packageStatus{Name: name, LastChecked: info.LastChecked}
		if info.Build != nil {
			entry.BuildTime = info.Build.BuildTime
		}
		packages = append(packages, entry)
	}
	writeJSON(w, http.StatusOK, statusResponse{Packages: packages})
}

type addPackagesRequest struct {
	Packages []string `json:"packages"`
}

type addPackagesResponse struct {
	Added          []string `json:"added"`
	AlreadyTracked []string `json:"already_tracked"`
	NotFound       []string `json:"not_found"`
}

func (srv *Server) handleAddPackages(w http.ResponseWriter, r *http.Request) {
	var req addPackagesRequest
	if !decodeJSON(r, &req) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp := addPackagesResponse{
		Added:          []string{},
		AlreadyTracked: []string{},
		NotFound:       []string{},
	}

	var toProbe []types.Package
	for _, pkg := range req.Packages {
		if srv.store.IsTracked(pkg) {
			resp.AlreadyTracked = append(resp.AlreadyTracked, pkg)
			continue
		}
		toProbe = append(toProbe, pkg)
	}

	data, err := srv.registry.Info(r.Context(), toProbe)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to probe registry for package existence")
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	found := make(types.StringSet, len(data))
	for _, pkg := range data {
		found[pkg.Name] = struct{}{}
	}

	added := make(types.StringSet)
	for _, pkg := range toProbe {
		if _, ok := found[pkg]; ok {
			added[pkg] = struct{}{}
			resp.Added = append(resp.Added, pkg)
		} else {
			resp.NotFound = append(resp.NotFound, pkg)
		}
	}

	if len(added) > 0 {
		srv.bus.Publish(types.AddPackages{Packages: added})
	}

	sort.Strings(resp.Added)
	sort.Strings(resp.AlreadyTracked)
	sort.Strings(resp.NotFound)
	writeJSON(w, http.StatusOK, resp)
}

type addPackageURLRequest struct {
	URL string `json:"url"`
}

type addPackageURLResponse struct {
	Ok           string `json:"ok,omitempty"`
	AlreadyAdded string `json:"already_added,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (srv *Server) handleAddPackageURL(w http.ResponseWriter, r *http.Request) {
	var req addPackageURLRequest
	if !decodeJSON(r, &req) || req.URL == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data, err := srv.registry.ProbePKGBUILD(r.Context(), req.URL)
	if err != nil {
		writeJSON(w, http.StatusOK, addPackageURLResponse{Error: err.Error()})
		return
	}

	if srv.store.IsTracked(data.Name) {
		writeJSON(w, http.StatusOK, addPackageURLResponse{AlreadyAdded: data.Name})
		return
	}

	if len(data.Depends) > 0 {
		srv.bus.Publish(types.AddDependencies{Packages: data.Depends})
	}
	srv.bus.Publish(types.AddPackageURL{URL: req.URL, Data: data})
	writeJSON(w, http.StatusOK, addPackageURLResponse{Ok: data.Name})
}

type removePackagesRequest struct {
	Packages []string `json:"packages"`
}

type removePackagesResponse struct {
	Removed    []string `json:"removed"`
	NotTracked []string `json:"not_tracked"`
}

func (srv *Server) handleRemovePackages(w http.ResponseWriter, r *http.Request) {
	var req removePackagesRequest
	if !decodeJSON(r, &req) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp := removePackagesResponse{Removed: []string{}, NotTracked: []string{}}
	toRemove := make(types.StringSet)
	for _, pkg := range req.Packages {
		if srv.store.IsTracked(pkg) {
			toRemove[pkg] = struct{}{}
			resp.Removed = append(resp.Removed, pkg)
		} else {
			resp.NotTracked = append(resp.NotTracked, pkg)
		}
	}

	if len(toRemove) > 0 {
		srv.bus.Publish(types.RemovePackages{Packages: toRemove})
	}

	sort.Strings(resp.Removed)
	sort.Strings(resp.NotTracked)
	writeJSON(w, http.StatusOK, resp)
}

type rebuildPackagesRequest struct {
	Packages []string `json:"packages"`
}

type rebuildPackagesResponse struct {
	NotFound []string `json:"not_found"`
}

func (srv *Server) handleRebuildPackages(w http.ResponseWriter, r *http.Request) {
	var req rebuildPackagesRequest
	if !decodeJSON(r, &req) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var notFound []string
	for _, pkg := range req.Packages {
		if !srv.store.IsTracked(pkg) {
			notFound = append(notFound, pkg)
		}
	}

	resp := rebuildPackagesResponse{NotFound: []string{}}
	if len(notFound) > 0 {
		sort.Strings(notFound)
		resp.NotFound = notFound
		writeJSON(w, http.StatusOK, resp)
		return
	}

	for _, pkg := range req.Packages {
		srv.bus.Publish(types.BuildPackage{Package: pkg})
	}
	writeJSON(w, http.StatusOK, resp)
}

type artifactsRequest struct {
	PackageName string            `json:"package_name"`
	BuildTime   int64             `json:"build_time"`
	Files       map[string][]byte `json:"files"`
}

func (srv *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	var req artifactsRequest
	if !decodeJSON(r, &req) || req.PackageName == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	files := make([]string, 0, len(req.Files))
	for name, content := range req.Files {
		base := filepath.Base(name)
		if base == "." || base == string(filepath.Separator) || base == "" {
			base = "default"
		}
		if err := os.WriteFile(filepath.Join(srv.repoDir, base), content, 0o644); err != nil {
			srv.logger.Error().Err(err).Str("package", req.PackageName).Str("file", base).Msg("failed to write uploaded artifact")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		files = append(files, base)
	}

	srv.logger.Info().Str("package", req.PackageName).Int("files", len(files)).Msg("received build artifacts")
	srv.bus.Publish(types.ArtifactsUploaded{
		Package:   req.PackageName,
		Files:     files,
		BuildTime: req.BuildTime,
	})
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	hostname := r.Header.Get("hostname")
	if hostname == "" || !srv.store.IsActiveContainer(hostname) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	key, err := srv.keys.PrivateKeyBytes()
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to read signing key")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(key)
}
