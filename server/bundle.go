package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/bcat/index"
	"github.com/ndlib/bcat/repo"
	"github.com/ndlib/bcat/task"
)

// bundleInfo is the JSON form of a repo.Status.
type bundleInfo struct {
	ID         string     `json:"id"`
	Tracked    bool       `json:"tracked"`
	Label      string     `json:"label,omitempty"`
	Version    int64      `json:"version"`
	Modified   time.Time  `json:"modified"`
	Checked    *time.Time `json:"checked,omitempty"`
	Status     string     `json:"status,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	Files      int        `json:"files,omitempty"`
	ActiveTask []string   `json:"tasks,omitempty"`
}

// taskInfo is the JSON form of a task and its children.
type taskInfo struct {
	Title    string     `json:"title"`
	State    string     `json:"state"`
	Events   []string   `json:"events,omitempty"`
	Errors   []string   `json:"errors,omitempty"`
	Children []taskInfo `json:"children,omitempty"`
}

func newTaskInfo(t *task.Task, depth int) taskInfo {
	info := taskInfo{
		Title: t.Title(),
		State: t.State().String(),
	}
	for _, e := range t.Events() {
		info.Events = append(info.Events, e.String())
	}
	for _, err := range t.Errors() {
		info.Errors = append(info.Errors, err.Error())
	}
	if depth > 0 {
		for _, c := range t.ChildTasks() {
			info.Children = append(info.Children, newTaskInfo(c, depth-1))
		}
	}
	return info
}

func newBundleInfo(st repo.Status) bundleInfo {
	info := bundleInfo{
		ID:       st.BundleID,
		Tracked:  st.Tracked,
		Label:    st.Label,
		Version:  st.Version,
		Modified: st.Modified,
	}
	if v := st.LastVerify; v != nil {
		checked := v.Checked
		info.Checked = &checked
		info.Status = v.Status
		info.Notes = v.Notes
	}
	return info
}

// noRepo writes a 404 if the server has no repo.
func (s *RESTServer) noRepo(w http.ResponseWriter) bool {
	if s.Repo != nil {
		return false
	}
	w.WriteHeader(404)
	fmt.Fprintln(w, "no local repo")
	return true
}

// BundleListHandler handles GET requests to /bundle.
func (s *RESTServer) BundleListHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.noRepo(w) {
		return
	}
	statuses, err := s.Repo.Status()
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err)
		return
	}
	result := make([]bundleInfo, 0, len(statuses))
	for _, st := range statuses {
		result = append(result, newBundleInfo(st))
	}
	writeJSON(w, 200, result)
}

// BundleHandler handles GET requests to /bundle/:id.
func (s *RESTServer) BundleHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.noRepo(w) {
		return
	}
	id := ps.ByName("id")
	statuses, err := s.Repo.Status()
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err)
		return
	}
	for _, st := range statuses {
		if st.BundleID != id {
			continue
		}
		info := newBundleInfo(st)
		if m, err := s.Repo.CurrentManifest(id); err == nil {
			info.Files = m.FileCount()
		}
		for _, t := range s.Repo.ActiveTasks() {
			if t.Descriptor().Resource == "bundle:"+id {
				info.ActiveTask = append(info.ActiveTask, t.Title())
			}
		}
		writeJSON(w, 200, info)
		return
	}
	w.WriteHeader(404)
	fmt.Fprintln(w, index.ErrNotFound)
}

// EnsureHandler handles POST requests to /bundle/:id/ensure. The query
// parameter "version" asks for a version, "label" for a distribution. The
// response is 202 with the task, which continues in the background.
func (s *RESTServer) EnsureHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.noRepo(w) {
		return
	}
	id := ps.ByName("id")
	var t *task.Task
	var err error
	switch {
	case r.FormValue("version") != "":
		var version int64
		version, err = strconv.ParseInt(r.FormValue("version"), 10, 64)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintln(w, err)
			return
		}
		t, err = s.Repo.EnsureVersion(id, version)
	case r.FormValue("label") != "":
		t, err = s.Repo.EnsureDistribution(id, r.FormValue("label"))
	default:
		w.WriteHeader(400)
		fmt.Fprintln(w, "version or label is required")
		return
	}
	s.started(w, t, err)
}

// VerifyHandler handles POST requests to /bundle/:id/verify.
func (s *RESTServer) VerifyHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.noRepo(w) {
		return
	}
	t, err := s.Repo.Verify(ps.ByName("id"))
	s.started(w, t, err)
}

// CleanupHandler handles POST requests to /admin/cleanup.
func (s *RESTServer) CleanupHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.noRepo(w) {
		return
	}
	t, err := s.Repo.Cleanup()
	s.started(w, t, err)
}

func (s *RESTServer) started(w http.ResponseWriter, t *task.Task, err error) {
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err)
		return
	}
	writeJSON(w, 202, newTaskInfo(t, 0))
}

// TrackHandler handles PUT requests to /bundle/:id/track/:label.
func (s *RESTServer) TrackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.noRepo(w) {
		return
	}
	if err := s.Repo.Track(ps.ByName("id"), ps.ByName("label")); err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err)
		return
	}
	w.WriteHeader(201)
}

// UntrackHandler handles DELETE requests to /bundle/:id/track.
func (s *RESTServer) UntrackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.noRepo(w) {
		return
	}
	if err := s.Repo.Untrack(ps.ByName("id")); err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err)
		return
	}
	w.WriteHeader(204)
}

// TaskListHandler handles GET requests to /task. It lists the live tasks
// which have no live parent, with their children.
func (s *RESTServer) TaskListHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.noRepo(w) {
		return
	}
	active := s.Repo.ActiveTasks()
	child := make(map[*task.Task]bool)
	for _, t := range active {
		for _, c := range t.ChildTasks() {
			child[c] = true
		}
	}
	result := []taskInfo{}
	for _, t := range active {
		if !child[t] && !t.Descriptor().IsZero() {
			result = append(result, newTaskInfo(t, 3))
		}
	}
	writeJSON(w, 200, result)
}
