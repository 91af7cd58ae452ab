package gdwhisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fujiwara/ridge"
	"github.com/mashiike/gdwhisper/pkg/notebook"
)

// ServeOption contains options for the serve command.
type ServeOption struct {
	Port int `help:"httpd port" default:"25254" env:"GDWHISPER_PORT"`
	// WorkDir holds the notebooks generated for publish requests.
	WorkDir string `help:"directory generated notebooks are written to" default:"${serve_work_dir}" env:"GDWHISPER_SERVE_WORK_DIR"`
	// Destination is the directory retrieve requests save files under.
	// A request may only name a subdirectory of it.
	Destination string `help:"local directory retrieve requests save files under" default:"${retrieve_destination}" type:"path" env:"GDWHISPER_DESTINATION"`
}

// Serve runs the HTTP API, as a plain server or on AWS Lambda.
func (app *App) Serve(ctx context.Context, opt ServeOption) error {
	app.serveOpt = opt
	addr := fmt.Sprintf(":%d", opt.Port)
	slog.InfoContext(ctx, "starting server", "addr", addr)
	ridge.RunWithContext(ctx, addr, "/", app)
	return nil
}

func (app *App) setupRoute() {
	app.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, http.StatusOK, http.StatusText(http.StatusOK))
	}).Methods(http.MethodGet)
	app.router.HandleFunc("/publish", app.handlePublish).Methods(http.MethodPost)
	app.router.HandleFunc("/retrieve", app.handleRetrieve).Methods(http.MethodPost)
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.router.ServeHTTP(w, r)
}

type publishRequest struct {
	URL          string `json:"url"`
	VerifyUnique bool   `json:"verifyUnique,omitempty"`
}

type publishResponse struct {
	Created  bool            `json:"created"`
	Resource *RemoteResource `json:"resource"`
	ColabURL string          `json:"colabUrl"`
}

func (app *App) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer r.Body.Close()
	var req publishRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(ctx, w, fmt.Errorf("%w: decode request: %w", ErrInvalidInput, err))
		return
	}
	slog.InfoContext(ctx, "received publish request", "url", req.URL)
	workDir := coalesce(app.serveOpt.WorkDir, os.TempDir())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		writeError(ctx, w, fmt.Errorf("create work directory: %w", err))
		return
	}
	// one directory per request, concurrent requests must not share the notebook file
	dir, err := os.MkdirTemp(workDir, "publish-*")
	if err != nil {
		writeError(ctx, w, fmt.Errorf("create work directory: %w", err))
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.WarnContext(ctx, "failed to remove work directory", "path", dir, "error", err)
		}
	}()
	result, err := app.Publish(ctx, PublishOption{
		GenerateOption: GenerateOption{
			URL:    req.URL,
			Output: filepath.Join(dir, notebook.DefaultFileName),
		},
		VerifyUnique: req.VerifyUnique,
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, &publishResponse{
		Created:  result.Created,
		Resource: result.Resource,
		ColabURL: result.Resource.ColabURL(),
	})
}

type retrieveRequest struct {
	Filter      string   `json:"filter,omitempty"`
	MimeTypes   []string `json:"mimeTypes,omitempty"`
	PageSize    int      `json:"pageSize,omitempty"`
	// Destination is a subdirectory of ServeOption.Destination.
	Destination string   `json:"destination,omitempty"`
	Match       string   `json:"match,omitempty"`
	FailFast    bool     `json:"failFast,omitempty"`
}

type retrieveResponse struct {
	*RetrieveReport
	Errors []string `json:"errors,omitempty"`
}

func (app *App) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer r.Body.Close()
	req := retrieveRequest{
		Filter:    DefaultRetrieveFilter,
		MimeTypes: []string{DefaultRetrieveMimeType},
		PageSize:  DefaultRetrievePageSize,
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(ctx, w, fmt.Errorf("%w: decode request: %w", ErrInvalidInput, err))
			return
		}
	}
	slog.InfoContext(ctx, "received retrieve request", "filter", req.Filter, "match", req.Match, "destination", req.Destination)
	destination, err := app.serveDestination(req.Destination)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	report, err := app.Retrieve(ctx, RetrieveOption{
		Filter:      req.Filter,
		MimeType:    req.MimeTypes,
		PageSize:    req.PageSize,
		Destination: destination,
		Match:       req.Match,
		FailFast:    req.FailFast,
	})
	if report == nil {
		writeError(ctx, w, err)
		return
	}
	resp := &retrieveResponse{RetrieveReport: report}
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
		for _, item := range report.Failed() {
			resp.Errors = append(resp.Errors, item.Err.Error())
		}
		if len(resp.Errors) == 0 {
			resp.Errors = []string{err.Error()}
		}
	}
	writeJSON(ctx, w, status, resp)
}

// serveDestination resolves the subdirectory a retrieve request asked for
// under the configured destination.
func (app *App) serveDestination(sub string) (string, error) {
	base := coalesce(app.serveOpt.Destination, DefaultRetrieveDestination)
	if sub == "" {
		return base, nil
	}
	if !filepath.IsLocal(sub) {
		return "", fmt.Errorf("%w: destination %q must be a relative path inside the serve destination", ErrInvalidInput, sub)
	}
	return filepath.Join(base, sub), nil
}

func statusCodeOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrAuthorization), errors.Is(err, ErrLookup), errors.Is(err, ErrTransfer):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusCodeOf(err)
	slog.ErrorContext(ctx, "request failed", "status", status, "error", err)
	writeJSON(ctx, w, status, map[string]string{"error": err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.WarnContext(ctx, "failed to write response", "error", err)
	}
}
