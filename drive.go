package gdwhisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// RemoteResource is a file stored in a remote folder.
type RemoteResource struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType,omitempty"`
	Parents      []string `json:"parents,omitempty"`
	WebViewLink  string   `json:"webViewLink,omitempty"`
	Size         int64    `json:"size,omitempty"`
	ModifiedTime string   `json:"modifiedTime,omitempty"`
}

// ColabURL returns the URL that opens the resource in Google Colab.
func (r *RemoteResource) ColabURL() string {
	if r.ID == "" {
		return ""
	}
	return "https://colab.research.google.com/drive/" + r.ID
}

// RemoteStorage is the capability the publisher and the retriever need from
// the remote storage service.
type RemoteStorage interface {
	// List returns the resources matching q in listing order. A nil slice with
	// a nil error means the service returned no usable listing.
	List(ctx context.Context, q *Query) ([]*RemoteResource, error)
	// Create uploads content as a new resource described by meta.
	Create(ctx context.Context, meta *RemoteResource, content io.Reader) (*RemoteResource, error)
	// Open returns a stream of the resource content.
	Open(ctx context.Context, id string) (io.ReadCloser, error)
}

var resourceFields = []string{"id", "name", "mimeType", "parents", "webViewLink", "size", "modifiedTime"}

var filesFields = fmt.Sprintf("files(%s)", strings.Join(resourceFields, ","))

// DriveStorage implements RemoteStorage on the Google Drive API v3.
type DriveStorage struct {
	svc *drive.Service
}

// NewDriveStorage creates a DriveStorage. opts usually come from [Session.ClientOptions].
func NewDriveStorage(ctx context.Context, opts ...option.ClientOption) (*DriveStorage, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create Google Drive Service: %w", err)
	}
	return &DriveStorage{svc: svc}, nil
}

func (s *DriveStorage) List(ctx context.Context, q *Query) ([]*RemoteResource, error) {
	query := q.String()
	call := s.svc.Files.List().
		Q(query).
		Fields("nextPageToken", googleapi.Field(filesFields)).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx)
	if q.PageSize > 0 {
		call = call.PageSize(int64(q.PageSize))
	}
	slog.DebugContext(ctx, "drive API files:list", "q", query, "page_size", q.PageSize)
	fileList, err := call.Do()
	if err != nil {
		slog.DebugContext(ctx, "drive API files:list failed", "q", query, "error", err)
		return nil, err
	}
	if fileList == nil || fileList.Files == nil {
		slog.WarnContext(ctx, "drive API files:list returned no files field", "q", query)
		return nil, nil
	}
	resources := make([]*RemoteResource, 0, len(fileList.Files))
	for _, f := range fileList.Files {
		resources = append(resources, convertFile(f))
	}
	return resources, nil
}

func (s *DriveStorage) Create(ctx context.Context, meta *RemoteResource, content io.Reader) (*RemoteResource, error) {
	file := &drive.File{
		Name:     meta.Name,
		Parents:  meta.Parents,
		MimeType: meta.MimeType,
	}
	var mediaOpts []googleapi.MediaOption
	if meta.MimeType != "" {
		mediaOpts = append(mediaOpts, googleapi.ContentType(meta.MimeType))
	}
	slog.DebugContext(ctx, "drive API files:create", "name", meta.Name, "parents", meta.Parents)
	created, err := s.svc.Files.Create(file).
		Media(content, mediaOpts...).
		Fields(googleapi.Field(strings.Join(resourceFields, ","))).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		slog.DebugContext(ctx, "drive API files:create failed", "name", meta.Name, "error", err)
		return nil, err
	}
	return convertFile(created), nil
}

func (s *DriveStorage) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	slog.DebugContext(ctx, "drive API files:get media", "file_id", id)
	resp, err := s.svc.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, &NotFoundError{Kind: "remote resource", Target: id, Err: err}
		}
		return nil, fmt.Errorf("download file %s: %w", id, err)
	}
	return resp.Body, nil
}

func convertFile(f *drive.File) *RemoteResource {
	if f == nil {
		return nil
	}
	return &RemoteResource{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		Parents:      f.Parents,
		WebViewLink:  f.WebViewLink,
		Size:         f.Size,
		ModifiedTime: f.ModifiedTime,
	}
}
