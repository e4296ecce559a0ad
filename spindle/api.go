package spindle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"tangled.org/spindle/spindle/apierr"
	"tangled.org/spindle/spindle/artifacts"
	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/secrets"
)

// maximum size of a trigger request, workflow files included
const maxTriggerBody = 4 << 20

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Spindle) writeError(w http.ResponseWriter, err error) {
	if ce, ok := configError(err); ok {
		apierr.Write(w, apierr.InvalidWorkflowError(ce))
		return
	}
	switch {
	case errors.Is(err, db.ErrRunNotFound):
		apierr.Write(w, apierr.NotFoundError("run"))
	case errors.Is(err, artifacts.ErrNotFound):
		apierr.Write(w, apierr.NotFoundError("artifact"))
	case errors.Is(err, secrets.ErrKeyNotFound):
		apierr.Write(w, apierr.NotFoundError("secret"))
	case errors.Is(err, secrets.ErrKeyAlreadyPresent):
		apierr.Write(w, apierr.ConflictError(err))
	case errors.Is(err, secrets.ErrInvalidKeyIdent):
		apierr.Write(w, apierr.InvalidRequestError(err))
	default:
		x := apierr.As(err)
		if x.Status() >= http.StatusInternalServerError {
			s.l.Error("request failed", "error", err)
		}
		apierr.Write(w, x)
	}
}

func (s *Spindle) TriggerRuns(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTriggerBody)).Decode(&req); err != nil {
		apierr.Write(w, apierr.InvalidRequestError(fmt.Errorf("malformed trigger: %w", err)))
		return
	}
	if req.Trigger.Repo == "" || req.Trigger.Kind == "" {
		apierr.Write(w, apierr.InvalidRequestError(errors.New("trigger needs a kind and a repo")))
		return
	}
	if len(req.Workflows) == 0 {
		apierr.Write(w, apierr.InvalidRequestError(errors.New("no workflows")))
		return
	}

	resp, err := s.Trigger(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJson(w, http.StatusAccepted, resp)
}

func (s *Spindle) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			apierr.Write(w, apierr.InvalidRequestError(fmt.Errorf("invalid limit %q", l)))
			return
		}
		limit = n
	}

	runs, err := s.db.GetRuns(r.URL.Query().Get("repo"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}

	writeJson(w, http.StatusOK, map[string]any{"runs": runs})
}

// RunStatus is the status page of a run.
type RunStatus struct {
	db.Run
	Instances []db.Instance `json:"instances"`
}

func (s *Spindle) GetRun(w http.ResponseWriter, r *http.Request) {
	id := models.RunId(chi.URLParam(r, "run"))

	run, err := s.db.GetRun(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	instances, err := s.db.GetInstances(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if instances == nil {
		instances = []db.Instance{}
	}

	writeJson(w, http.StatusOK, RunStatus{Run: *run, Instances: instances})
}

func (s *Spindle) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := models.RunId(chi.URLParam(r, "run"))

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by user"
	}

	if err := s.Cancel(id, reason); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Spindle) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	run := chi.URLParam(r, "run")

	list, err := s.artifacts.List(r.Context(), run)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []artifacts.Artifact{}
	}

	writeJson(w, http.StatusOK, map[string]any{"artifacts": list})
}

// DownloadArtifact serves the payload of an artifact. ?job= picks the
// producing instance when several uploaded the same name.
func (s *Spindle) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	run := chi.URLParam(r, "run")
	name := chi.URLParam(r, "name")
	l := s.l.With("handler", "DownloadArtifact", "run", run, "name", name)

	a, rc, err := s.artifacts.Download(r.Context(), run, r.URL.Query().Get("job"), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name+".tar"))
	w.Header().Set("Digest", a.Digest)

	start := time.Now()
	n, err := io.Copy(w, rc)
	if err != nil {
		l.Error("failed to send artifact", "error", err, "sent", humanize.Bytes(uint64(n)))
		return
	}
	l.Info("sent artifact", "size", humanize.Bytes(uint64(n)), "took", time.Since(start))
}

func repoParam(r *http.Request) secrets.Repo {
	return secrets.Repo(chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo"))
}

type secretView struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

func (s *Spindle) ListSecrets(w http.ResponseWriter, r *http.Request) {
	locked, err := s.vault.GetSecretsLocked(r.Context(), repoParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]secretView, 0, len(locked))
	for _, ls := range locked {
		out = append(out, secretView{Key: ls.Key, CreatedAt: ls.CreatedAt, CreatedBy: ls.CreatedBy})
	}

	writeJson(w, http.StatusOK, map[string]any{"secrets": out})
}

func (s *Spindle) AddSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value     string `json:"value"`
		CreatedBy string `json:"created_by"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		apierr.Write(w, apierr.InvalidRequestError(fmt.Errorf("malformed secret: %w", err)))
		return
	}

	key := chi.URLParam(r, "key")
	if err := secrets.ValidateKey(key); err != nil {
		s.writeError(w, err)
		return
	}

	err := s.vault.AddSecret(r.Context(), secrets.UnlockedSecret{
		Key:       key,
		Value:     body.Value,
		Repo:      repoParam(r),
		CreatedAt: time.Now(),
		CreatedBy: body.CreatedBy,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Spindle) RemoveSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.RemoveSecret(r.Context(), repoParam(r), chi.URLParam(r, "key")); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
