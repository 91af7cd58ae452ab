package gdwhisper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Publisher uploads a local file into a remote folder unless a resource with
// the same name already exists there.
type Publisher struct {
	remote          RemoteStorage
	lockFile        string
	verifyUnique    bool
	requestTimeout  time.Duration
	transferTimeout time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublishLockFile serializes publishers on this host through an advisory lock on path.
func WithPublishLockFile(path string) PublisherOption {
	return func(p *Publisher) {
		p.lockFile = path
	}
}

// WithVerifyUnique makes the publisher re-list the folder after a create and
// report a [ConflictError] when another publisher created the same name.
func WithVerifyUnique(verify bool) PublisherOption {
	return func(p *Publisher) {
		p.verifyUnique = verify
	}
}

// WithPublishTimeouts bounds the listing call and the upload.
func WithPublishTimeouts(request, transfer time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.requestTimeout = request
		p.transferTimeout = transfer
	}
}

// NewPublisher creates a Publisher.
func NewPublisher(remote RemoteStorage, opts ...PublisherOption) *Publisher {
	p := &Publisher{remote: remote}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishResult is the resource a publish resolved to.
type PublishResult struct {
	Resource *RemoteResource
	// Created is false when an existing resource was reused.
	Created bool
}

// Publish returns the resource named after localPath's base name in folderID,
// uploading localPath first if no such resource exists.
func (p *Publisher) Publish(ctx context.Context, localPath, folderID string) (*PublishResult, error) {
	if folderID == "" {
		return nil, fmt.Errorf("%w: folder id is required", ErrInvalidInput)
	}
	name := filepath.Base(localPath)
	if name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: local path %q has no file name", ErrInvalidInput, localPath)
	}
	if p.lockFile == "" {
		return p.publish(ctx, localPath, folderID, name)
	}
	var result *PublishResult
	err := withFileLock(ctx, p.lockFile, func(ctx context.Context) error {
		var err error
		result, err = p.publish(ctx, localPath, folderID, name)
		return err
	})
	return result, err
}

func (p *Publisher) publish(ctx context.Context, localPath, folderID, name string) (*PublishResult, error) {
	existing, err := p.lookup(ctx, folderID, name)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		resource := existing[0]
		slog.InfoContext(ctx, "resource already exists", "folder_id", folderID, "name", name, "file_id", resource.ID, "matches", len(existing))
		return &PublishResult{Resource: resource}, nil
	}

	if _, err := os.Stat(localPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Kind: "local file", Target: localPath, Err: err}
		}
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}
	fp, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer fp.Close()

	uploadCtx, cancel := withTimeout(ctx, p.transferTimeout)
	defer cancel()
	slog.InfoContext(ctx, "uploading resource", "folder_id", folderID, "name", name, "path", localPath)
	created, err := p.remote.Create(uploadCtx, &RemoteResource{
		Name:     name,
		Parents:  []string{folderID},
		MimeType: contentTypeOf(name),
	}, fp)
	if err != nil {
		return nil, &TransferError{Op: "upload", Name: name, Err: err}
	}
	slog.InfoContext(ctx, "upload successful", "folder_id", folderID, "name", created.Name, "file_id", created.ID)
	result := &PublishResult{Resource: created, Created: true}

	if p.verifyUnique {
		if err := p.verify(ctx, folderID, name); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (p *Publisher) lookup(ctx context.Context, folderID, name string) ([]*RemoteResource, error) {
	q := &Query{FolderID: folderID, NameEquals: name}
	listCtx, cancel := withTimeout(ctx, p.requestTimeout)
	defer cancel()
	resources, err := p.remote.List(listCtx, q)
	if err != nil {
		return nil, &LookupError{FolderID: folderID, Query: q.String(), Err: err}
	}
	if resources == nil {
		return nil, &LookupError{FolderID: folderID, Query: q.String()}
	}
	return resources, nil
}

func (p *Publisher) verify(ctx context.Context, folderID, name string) error {
	resources, err := p.lookup(ctx, folderID, name)
	if err != nil {
		return err
	}
	if len(resources) <= 1 {
		return nil
	}
	ids := make([]string, 0, len(resources))
	for _, r := range resources {
		ids = append(ids, r.ID)
	}
	slog.WarnContext(ctx, "multiple resources share the same name", "folder_id", folderID, "name", name, "file_ids", strings.Join(ids, ","))
	return &ConflictError{FolderID: folderID, Name: name, IDs: ids}
}

func contentTypeOf(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".ipynb":
		return "application/json"
	case ".srt":
		return "application/x-subrip"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
