package gdwhisper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Songmu/flextime"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mashiike/gdwhisper/pkg/gdwhisperevent"
	"github.com/mashiike/gdwhisper/pkg/notebook"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"
)

// AppOption contains the settings shared by every command.
type AppOption struct {
	InputFolderID   string        `help:"remote folder notebooks are published to" env:"GDWHISPER_INPUT_FOLDER_ID,INPUT_FOLDER_ID"`
	OutputFolderID  string        `help:"remote folder subtitles are retrieved from" env:"GDWHISPER_OUTPUT_FOLDER_ID,OUTPUT_FOLDER_ID"`
	RequestTimeout  time.Duration `help:"timeout of a single listing request" default:"1m" env:"GDWHISPER_REQUEST_TIMEOUT"`
	TransferTimeout time.Duration `help:"timeout of a single upload or download" default:"10m" env:"GDWHISPER_TRANSFER_TIMEOUT"`
	PublishLockFile string        `help:"advisory lock file serializing publishes on this host" default:"${publish_lock_file}" env:"GDWHISPER_PUBLISH_LOCK_FILE"`
}

// App coordinates notebook generation, publishing and subtitle retrieval.
type App struct {
	opt          AppOption
	remote       RemoteStorage
	ledger       Ledger
	notification Notification
	mirror       Mirror
	router       *mux.Router
	serveOpt     ServeOption
	cleanupFns   []func() error
}

// New creates an App. ledger, notification and mirror may be nil.
func New(opt AppOption, remote RemoteStorage, ledger Ledger, notification Notification, mirror Mirror) *App {
	if ledger == nil {
		ledger = nopLedger{}
	}
	if notification == nil {
		notification = nopNotification{}
	}
	app := &App{
		opt:          opt,
		remote:       remote,
		ledger:       ledger,
		notification: notification,
		mirror:       mirror,
		router:       mux.NewRouter(),
	}
	app.setupRoute()
	return app
}

// AddCleanup registers fn to run on Close.
func (app *App) AddCleanup(fn func() error) {
	app.cleanupFns = append(app.cleanupFns, fn)
}

func (app *App) Close() error {
	eg, ctx := errgroup.WithContext(context.Background())
	for i, cleanup := range app.cleanupFns {
		eg.Go(func() error {
			slog.DebugContext(ctx, "start cleanup", "index", i)
			if err := cleanup(); err != nil {
				slog.DebugContext(ctx, "error cleanup", "index", i, "error", err)
				return err
			}
			slog.DebugContext(ctx, "end cleanup", "index", i)
			return nil
		})
	}
	return eg.Wait()
}

// GenerateOption contains options for the generate command.
type GenerateOption struct {
	URL    string `help:"source video URL" env:"GDWHISPER_URL"`
	Output string `help:"notebook output path" default:"whisper_transcriber.ipynb" env:"GDWHISPER_OUTPUT"`
}

// Generate writes the transcription notebook for opt.URL and returns its path.
func (app *App) Generate(ctx context.Context, opt GenerateOption) (string, error) {
	nb, err := notebook.New(opt.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	output := coalesce(opt.Output, notebook.DefaultFileName)
	if err := nb.WriteFile(output); err != nil {
		return "", fmt.Errorf("write notebook: %w", err)
	}
	if abs, err := filepath.Abs(output); err == nil {
		output = abs
	}
	slog.InfoContext(ctx, "notebook created", "path", output, "cells", len(nb.Cells))
	return output, nil
}

// PublishOption contains options for the publish command.
type PublishOption struct {
	GenerateOption `embed:""`
	VerifyUnique   bool `help:"re-list the folder after an upload and fail when the name is no longer unique" env:"GDWHISPER_VERIFY_UNIQUE"`
}

// Publish generates the notebook and makes sure it exists in the input folder.
func (app *App) Publish(ctx context.Context, opt PublishOption) (*PublishResult, error) {
	if app.opt.InputFolderID == "" {
		return nil, fmt.Errorf("%w: input folder id is required", ErrInvalidInput)
	}
	localPath, err := app.Generate(ctx, opt.GenerateOption)
	if err != nil {
		return nil, err
	}
	publisher := NewPublisher(app.remote,
		WithPublishLockFile(app.opt.PublishLockFile),
		WithVerifyUnique(opt.VerifyUnique),
		WithPublishTimeouts(app.opt.RequestTimeout, app.opt.TransferTimeout),
	)
	result, err := publisher.Publish(ctx, localPath, app.opt.InputFolderID)
	if result == nil {
		return nil, err
	}
	app.recordPublish(ctx, opt.URL, result)
	return result, err
}

func (app *App) recordPublish(ctx context.Context, sourceURL string, result *PublishResult) {
	runID := uuid.NewString()
	now := flextime.Now()
	res := result.Resource
	entry := &LedgerEntry{
		RunID:       runID,
		FolderID:    app.opt.InputFolderID,
		Name:        res.Name,
		ResourceID:  res.ID,
		WebViewLink: res.WebViewLink,
		ColabURL:    res.ColabURL(),
		Created:     result.Created,
		PublishedAt: now,
	}
	if result.Created {
		entry.SourceURL = strings.TrimSpace(sourceURL)
	}
	if err := app.ledger.Record(ctx, entry); err != nil {
		slog.WarnContext(ctx, "failed to record publish", "run_id", runID, "file_id", res.ID, "error", err)
	}
	detailType := gdwhisperevent.DetailTypeNotebookReused
	if result.Created {
		detailType = gdwhisperevent.DetailTypeNotebookPublished
	}
	detail := &gdwhisperevent.Detail{
		DetailType: detailType,
		Subject:    fmt.Sprintf("%s %s", detailType, res.Name),
		RunID:      runID,
		FolderID:   app.opt.InputFolderID,
		Resource:   eventResource(res),
		SourceURL:  entry.SourceURL,
		OccurredAt: now,
	}
	if err := app.notification.Send(ctx, []*gdwhisperevent.Detail{detail}); err != nil {
		slog.WarnContext(ctx, "failed to send notification", "run_id", runID, "error", err)
	}
}

// Retrieve defaults shared by the CLI flags and the HTTP API.
const (
	DefaultRetrieveFilter      = ".srt"
	DefaultRetrieveMimeType    = "text/plain"
	DefaultRetrievePageSize    = 10
	DefaultRetrieveDestination = "~/Desktop"
)

// RetrieveOption contains options for the retrieve command.
type RetrieveOption struct {
	Filter      string   `help:"name substring selecting subtitle files" default:"${retrieve_filter}" env:"GDWHISPER_FILTER"`
	MimeType    []string `help:"mime types selecting subtitle files" default:"${retrieve_mime_type}" env:"GDWHISPER_MIME_TYPE"`
	PageSize    int      `help:"maximum number of files listed" default:"${retrieve_page_size}" env:"GDWHISPER_PAGE_SIZE"`
	Destination string   `help:"local directory files are saved to" default:"${retrieve_destination}" type:"path" env:"GDWHISPER_DESTINATION"`
	Match       string   `help:"CEL expression further filtering listed files, e.g. size < 1048576" env:"GDWHISPER_MATCH"`
	FailFast    bool     `help:"stop at the first failed download" env:"GDWHISPER_FAIL_FAST"`
}

// Retrieve downloads the subtitle files of the output folder. A report is
// returned whenever the listing succeeded; the error is non-nil if any
// download failed.
func (app *App) Retrieve(ctx context.Context, opt RetrieveOption) (*RetrieveReport, error) {
	if app.opt.OutputFolderID == "" {
		return nil, fmt.Errorf("%w: output folder id is required", ErrInvalidInput)
	}
	destination, err := expandHome(opt.Destination)
	if err != nil {
		return nil, err
	}
	in := &RetrieveInput{
		FolderID:       app.opt.OutputFolderID,
		NameFilter:     opt.Filter,
		MimeTypes:      opt.MimeType,
		DestinationDir: destination,
		PageSize:       opt.PageSize,
		FailFast:       opt.FailFast,
	}
	if opt.Match != "" {
		env, err := NewCELEnv()
		if err != nil {
			return nil, fmt.Errorf("create CEL environment: %w", err)
		}
		in.Match, err = env.Compile(opt.Match)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	if err := os.MkdirAll(destination, 0755); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}
	retrieverOpts := []RetrieverOption{WithRetrieveTimeouts(app.opt.RequestTimeout, app.opt.TransferTimeout)}
	if app.mirror != nil {
		retrieverOpts = append(retrieverOpts, WithMirror(app.mirror))
	}
	report, err := NewRetriever(app.remote, retrieverOpts...).Retrieve(ctx, in)
	if report == nil {
		return nil, err
	}
	app.notifyRetrieve(ctx, report)
	if err != nil {
		return report, err
	}
	return report, report.Err()
}

func (app *App) notifyRetrieve(ctx context.Context, report *RetrieveReport) {
	runID := uuid.NewString()
	now := flextime.Now()
	details := make([]*gdwhisperevent.Detail, 0, len(report.Items))
	for _, item := range report.Items {
		d := &gdwhisperevent.Detail{
			RunID:      runID,
			FolderID:   report.FolderID,
			Resource:   eventResource(item.Resource),
			LocalPath:  item.Path,
			MirrorURI:  item.MirrorURI,
			OccurredAt: now,
		}
		switch item.Status {
		case RetrieveStatusDownloaded:
			d.DetailType = gdwhisperevent.DetailTypeSubtitleRetrieved
		case RetrieveStatusSkipped:
			d.DetailType = gdwhisperevent.DetailTypeSubtitleSkipped
		default:
			d.DetailType = gdwhisperevent.DetailTypeSubtitleFailed
			if item.Err != nil {
				d.Error = item.Err.Error()
			}
		}
		d.Subject = fmt.Sprintf("%s %s", d.DetailType, item.Resource.Name)
		details = append(details, d)
	}
	if err := app.notification.Send(ctx, details); err != nil {
		slog.WarnContext(ctx, "failed to send notification", "run_id", runID, "error", err)
	}
}

// TroubleshootingHints are printed when a retrieval fails.
func TroubleshootingHints(folderID string) []string {
	return []string{
		"Verify folder ID: " + coalesce(folderID, "(empty)"),
		"Check file exists in Google Drive",
		"Confirm service account has access",
	}
}

// ListOption contains options for the list command.
type ListOption struct {
	FolderID string    `help:"folder to list (defaults to the output folder)"`
	Filter   string    `help:"name substring filter"`
	PageSize int       `help:"maximum number of files listed" default:"100"`
	Output   io.Writer `kong:"-"`
}

// List writes a table of the resources in a folder.
func (app *App) List(ctx context.Context, opt ListOption) error {
	folderID := coalesce(opt.FolderID, app.opt.OutputFolderID, app.opt.InputFolderID)
	if folderID == "" {
		return fmt.Errorf("%w: folder id is required", ErrInvalidInput)
	}
	q := &Query{FolderID: folderID, NameContains: opt.Filter, PageSize: opt.PageSize}
	listCtx, cancel := withTimeout(ctx, app.opt.RequestTimeout)
	defer cancel()
	resources, err := app.remote.List(listCtx, q)
	if err != nil {
		return &LookupError{FolderID: folderID, Query: q.String(), Err: err}
	}
	table := tablewriter.NewWriter(coalesceWriter(opt.Output))
	table.Header("File ID", "Name", "Mime Type", "Size", "Modified Time")
	for _, res := range resources {
		if err := table.Append([]string{
			res.ID,
			res.Name,
			res.MimeType,
			strconv.FormatInt(res.Size, 10),
			res.ModifiedTime,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// HistoryOption contains options for the history command.
type HistoryOption struct {
	Output io.Writer `kong:"-"`
}

// History writes a table of recorded publishes.
func (app *App) History(ctx context.Context, opt HistoryOption) error {
	entries, err := app.ledger.Entries(ctx)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	table := tablewriter.NewWriter(coalesceWriter(opt.Output))
	table.Header("Published At", "Run ID", "Folder ID", "Name", "File ID", "Created", "Colab URL")
	for _, entry := range entries {
		if err := table.Append([]string{
			entry.PublishedAt.Format(time.RFC3339),
			entry.RunID,
			entry.FolderID,
			entry.Name,
			entry.ResourceID,
			strconv.FormatBool(entry.Created),
			entry.ColabURL,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func eventResource(res *RemoteResource) *gdwhisperevent.Resource {
	if res == nil {
		return nil
	}
	return &gdwhisperevent.Resource{
		ID:          res.ID,
		Name:        res.Name,
		MimeType:    res.MimeType,
		WebViewLink: res.WebViewLink,
		ColabURL:    res.ColabURL(),
		Size:        res.Size,
	}
}

func coalesceWriter(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
