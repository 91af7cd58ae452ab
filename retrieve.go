package gdwhisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Retriever downloads the resources of a remote folder to a local directory.
type Retriever struct {
	remote          RemoteStorage
	mirror          Mirror
	requestTimeout  time.Duration
	transferTimeout time.Duration
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithMirror uploads every downloaded file to m as well.
func WithMirror(m Mirror) RetrieverOption {
	return func(r *Retriever) {
		r.mirror = m
	}
}

// WithRetrieveTimeouts bounds the listing call and each content transfer.
func WithRetrieveTimeouts(request, transfer time.Duration) RetrieverOption {
	return func(r *Retriever) {
		r.requestTimeout = request
		r.transferTimeout = transfer
	}
}

// NewRetriever creates a Retriever.
func NewRetriever(remote RemoteStorage, opts ...RetrieverOption) *Retriever {
	r := &Retriever{remote: remote}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RetrieveInput selects what to download and where.
type RetrieveInput struct {
	FolderID       string
	NameFilter     string
	MimeTypes      []string
	DestinationDir string
	PageSize       int
	// Match further filters the listing; nil keeps everything.
	Match *CompiledExpression
	// FailFast stops the batch at the first failed transfer.
	FailFast bool
}

// RetrieveStatus is the outcome of one resource in a batch.
type RetrieveStatus string

const (
	RetrieveStatusDownloaded RetrieveStatus = "downloaded"
	RetrieveStatusSkipped    RetrieveStatus = "skipped"
	RetrieveStatusFailed     RetrieveStatus = "failed"
)

// RetrieveItem is the result for one listed resource.
type RetrieveItem struct {
	Resource  *RemoteResource `json:"resource"`
	Path      string          `json:"path"`
	Status    RetrieveStatus  `json:"status"`
	Size      int64           `json:"size,omitempty"`
	MirrorURI string          `json:"mirrorUri,omitempty"`
	Err       error           `json:"-"`
}

// RetrieveReport lists per resource results in listing order.
type RetrieveReport struct {
	FolderID string          `json:"folderId"`
	Items    []*RetrieveItem `json:"items"`
}

// Downloaded returns the items that were written to disk.
func (r *RetrieveReport) Downloaded() []*RetrieveItem {
	return r.filter(RetrieveStatusDownloaded)
}

// Skipped returns the items that were skipped.
func (r *RetrieveReport) Skipped() []*RetrieveItem {
	return r.filter(RetrieveStatusSkipped)
}

// Failed returns the items whose transfer failed.
func (r *RetrieveReport) Failed() []*RetrieveItem {
	return r.filter(RetrieveStatusFailed)
}

func (r *RetrieveReport) filter(status RetrieveStatus) []*RetrieveItem {
	var items []*RetrieveItem
	for _, item := range r.Items {
		if item.Status == status {
			items = append(items, item)
		}
	}
	return items
}

// Err joins the errors of failed items.
func (r *RetrieveReport) Err() error {
	var errs []error
	for _, item := range r.Failed() {
		errs = append(errs, item.Err)
	}
	return errors.Join(errs...)
}

// Retrieve lists the matching resources of in.FolderID and downloads each of
// them to in.DestinationDir. A failed transfer is recorded in the report and
// the batch continues unless in.FailFast is set.
func (r *Retriever) Retrieve(ctx context.Context, in *RetrieveInput) (*RetrieveReport, error) {
	if in.FolderID == "" {
		return nil, fmt.Errorf("%w: folder id is required", ErrInvalidInput)
	}
	if in.DestinationDir == "" {
		return nil, fmt.Errorf("%w: destination directory is required", ErrInvalidInput)
	}
	resources, err := r.list(ctx, in)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "found resources", "folder_id", in.FolderID, "count", len(resources))
	for _, res := range resources {
		slog.InfoContext(ctx, "found resource", "name", res.Name, "file_id", res.ID)
	}

	report := &RetrieveReport{FolderID: in.FolderID}
	for _, res := range resources {
		item := r.retrieveOne(ctx, in.DestinationDir, res)
		report.Items = append(report.Items, item)
		if item.Status == RetrieveStatusFailed && in.FailFast {
			return report, item.Err
		}
	}
	return report, nil
}

func (r *Retriever) list(ctx context.Context, in *RetrieveInput) ([]*RemoteResource, error) {
	q := &Query{
		FolderID:     in.FolderID,
		NameContains: in.NameFilter,
		MimeTypes:    in.MimeTypes,
		PageSize:     in.PageSize,
	}
	listCtx, cancel := withTimeout(ctx, r.requestTimeout)
	defer cancel()
	resources, err := r.remote.List(listCtx, q)
	if err != nil {
		return nil, &LookupError{FolderID: in.FolderID, Query: q.String(), Err: err}
	}
	if resources == nil {
		return nil, &LookupError{FolderID: in.FolderID, Query: q.String()}
	}
	if in.Match != nil {
		matched := make([]*RemoteResource, 0, len(resources))
		for _, res := range resources {
			ok, err := in.Match.Match(res)
			if err != nil {
				return nil, fmt.Errorf("match %s: %w", res.Name, err)
			}
			if ok {
				matched = append(matched, res)
			}
		}
		resources = matched
	}
	if len(resources) == 0 {
		return nil, &NotFoundError{Kind: "matching resources", Target: q.String()}
	}
	return resources, nil
}

func (r *Retriever) retrieveOne(ctx context.Context, destinationDir string, res *RemoteResource) *RetrieveItem {
	item := &RetrieveItem{Resource: res}
	if !filepath.IsLocal(res.Name) {
		item.Status = RetrieveStatusFailed
		item.Err = &TransferError{Op: "download", Name: res.Name, ID: res.ID, Err: fmt.Errorf("%w: name is not a local path", ErrInvalidInput)}
		slog.WarnContext(ctx, "refusing to write outside the destination", "name", res.Name, "file_id", res.ID)
		return item
	}
	item.Path = filepath.Join(destinationDir, res.Name)
	if err := os.MkdirAll(filepath.Dir(item.Path), 0755); err != nil {
		item.Status = RetrieveStatusFailed
		item.Err = &TransferError{Op: "download", Name: res.Name, ID: res.ID, Err: fmt.Errorf("create directory: %w", err)}
		return item
	}
	if res.ID == "" {
		slog.WarnContext(ctx, "skipping resource due to missing id", "name", res.Name)
		item.Status = RetrieveStatusSkipped
		return item
	}

	slog.InfoContext(ctx, "downloading", "name", res.Name, "file_id", res.ID)
	size, err := r.download(ctx, res, item.Path)
	if err != nil {
		slog.ErrorContext(ctx, "download failed", "name", res.Name, "file_id", res.ID, "error", err)
		item.Status = RetrieveStatusFailed
		item.Err = &TransferError{Op: "download", Name: res.Name, ID: res.ID, Err: err}
		return item
	}
	item.Status = RetrieveStatusDownloaded
	item.Size = size
	slog.InfoContext(ctx, "saved", "name", res.Name, "path", item.Path, "size", size)

	if r.mirror != nil {
		uri, err := r.mirror.Mirror(ctx, item.Path, res)
		if err != nil {
			slog.WarnContext(ctx, "mirror failed", "name", res.Name, "path", item.Path, "error", err)
		} else {
			item.MirrorURI = uri
		}
	}
	return item
}

func (r *Retriever) download(ctx context.Context, res *RemoteResource, path string) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.transferTimeout)
	defer cancel()
	body, err := r.remote.Open(ctx, res.ID)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return writeFileAtomic(path, body)
}
