package api

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/extract"
	"github.com/sydlexius/roadie/internal/ingest"
)

// handleIngest accepts source content either as a JSON extract.Source or as
// a raw text/plain or text/html body named by the "name" query parameter.
// By default it queues an extraction job and answers 202; with wait=true it
// runs the extraction inline and returns the report.
func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	src, err := readSource(w, req)
	if err != nil {
		r.writeAppError(w, err)
		return
	}

	if wait, _ := strconv.ParseBool(req.URL.Query().Get("wait")); wait {
		report, err := r.ingest.Ingest(req.Context(), src)
		if err != nil {
			r.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	job, err := r.ingest.Submit(req.Context(), src)
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	w.Header().Set("Location", r.basePath+"/api/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func readSource(w http.ResponseWriter, req *http.Request) (extract.Source, error) {
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	switch mediaType {
	case "text/plain", "text/html":
		data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
		if err != nil {
			return extract.Source{}, &apperr.ValidationError{Field: "body", Reason: err.Error()}
		}
		return extract.Source{
			Name:        req.URL.Query().Get("name"),
			ContentType: mediaType,
			Content:     string(data),
		}, nil
	default:
		var src extract.Source
		if err := decodeBody(w, req, &src); err != nil {
			return extract.Source{}, err
		}
		return src, nil
	}
}

func (r *Router) handleListJobs(w http.ResponseWriter, req *http.Request) {
	limit, err := queryInt(req, "limit", 20)
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	jobs, err := r.ingest.Jobs(req.Context(), limit)
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	if jobs == nil {
		jobs = []ingest.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (r *Router) handleGetJob(w http.ResponseWriter, req *http.Request) {
	job, err := r.ingest.Job(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (r *Router) handleRetryJob(w http.ResponseWriter, req *http.Request) {
	job, err := r.ingest.Retry(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
