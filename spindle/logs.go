package spindle

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/hpcloud/tail"
	"tangled.org/spindle/spindle/apierr"
	"tangled.org/spindle/spindle/models"
)

// Logs serves the ndjson step log of an instance. With ?follow=true the
// response stays open and carries new lines until the instance finishes.
func (s *Spindle) Logs(w http.ResponseWriter, r *http.Request) {
	run := models.RunId(chi.URLParam(r, "run"))
	instance := chi.URLParam(r, "instance")
	l := s.l.With("handler", "Logs", "run", run, "instance", instance)

	path := models.LogFilePath(s.cfg.Pipelines.LogDir, models.InstanceId{Run: run, Name: instance})

	if r.URL.Query().Get("follow") != "true" {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			apierr.Write(w, apierr.NotFoundError("log"))
			return
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "application/x-ndjson")
		io.Copy(w, f)
		return
	}

	finished, err := s.instanceFinished(run, instance)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if _, err := os.Stat(path); finished && errors.Is(err, fs.ErrNotExist) {
		apierr.Write(w, apierr.NotFoundError("log"))
		return
	}

	// a pending instance has no log file yet
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer t.Cleanup()
	defer func() {
		// the tailer blocks on sending lines nobody reads anymore
		go func() {
			for range t.Lines {
			}
		}()
		t.Stop()
	}()

	ch := s.n.SubscribeTopic(run.String())
	defer s.n.Unsubscribe(ch)

	if finished {
		go t.StopAtEOF()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ch:
			if finished {
				continue
			}
			finished, err = s.instanceFinished(run, instance)
			if err != nil {
				l.Error("failed to look up instance", "error", err)
				return
			}
			if finished {
				go t.StopAtEOF()
			}

		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				l.Error("failed to tail log", "error", line.Err)
				return
			}
			if _, err := io.WriteString(w, line.Text+"\n"); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Spindle) instanceFinished(run models.RunId, instance string) (bool, error) {
	instances, err := s.db.GetInstances(run)
	if err != nil {
		return false, err
	}
	for _, i := range instances {
		if i.Id == instance {
			return i.Status.IsFinish(), nil
		}
	}
	if _, err := s.db.GetRun(run); err != nil {
		return false, err
	}
	return false, apierr.NotFoundError("instance")
}
