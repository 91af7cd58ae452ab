package gdwhisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/mashiike/slogutils"
)

// CLI is the command-line interface for gdwhisper.
//
// Use the Run method to execute the CLI:
//
//	var cli gdwhisper.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// Available commands:
//   - generate: Write the transcription notebook
//   - publish: Write the notebook and upload it unless it already exists
//   - retrieve: Download subtitle files to a local directory
//   - list: List files of a folder
//   - history: List recorded publishes
//   - serve: Start the HTTP API
//   - version: Show version
type CLI struct {
	LogLevel     string             `help:"log level" default:"info" env:"GDWHISPER_LOG_LEVEL"`
	LogFormat    string             `help:"log format" default:"text" enum:"text,json" env:"GDWHISPER_LOG_FORMAT"`
	LogColor     bool               `help:"enable color output" default:"true" env:"GDWHISPER_LOG_COLOR" negatable:""`
	Version      kong.VersionFlag   `help:"show version"`
	Config       kong.ConfigFlag    `help:"YAML configuration file" env:"GDWHISPER_CONFIG"`
	Credentials  CredentialsOption  `embed:"" prefix:"credentials-"`
	Ledger       LedgerOption       `embed:"" prefix:"ledger-"`
	Notification NotificationOption `embed:"" prefix:"notification-"`
	Mirror       MirrorOption       `embed:"" prefix:"mirror-"`
	AppOption    `embed:""`

	Generate    GenerateOption `cmd:"" help:"write the transcription notebook"`
	Publish     PublishOption  `cmd:"" help:"write the transcription notebook and upload it to the input folder unless it already exists"`
	Retrieve    RetrieveOption `cmd:"" help:"download subtitle files from the output folder"`
	List        ListOption     `cmd:"" help:"list files of a folder"`
	History     HistoryOption  `cmd:"" help:"list recorded publishes"`
	Serve       ServeOption    `cmd:"" help:"serve HTTP API"`
	ShowVersion struct{}       `cmd:"" name:"version" help:"show version"`
}

// Run parses command-line arguments and executes the appropriate command.
// Returns 0 on success, 1 on error.
func (c *CLI) Run(ctx context.Context) int {
	k := kong.Parse(c, kongOptions()...)
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
		k.Fatalf("invalid log level: %s", c.LogLevel)
	}
	logger := newLogger(logLevel, c.LogFormat, c.LogColor)
	slog.SetDefault(logger)
	if err := c.run(ctx, k.Command()); err != nil {
		slog.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func kongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("gdwhisper"),
		kong.Description("gdwhisper publishes a Whisper transcription notebook to Google Drive and retrieves the subtitles it produces."),
		kong.UsageOnError(),
		kong.Vars{
			"version":              Version,
			"publish_lock_file":    filepath.Join(os.TempDir(), "gdwhisper-publish.lock"),
			"serve_work_dir":       os.TempDir(),
			"retrieve_filter":      DefaultRetrieveFilter,
			"retrieve_mime_type":   DefaultRetrieveMimeType,
			"retrieve_page_size":   strconv.Itoa(DefaultRetrievePageSize),
			"retrieve_destination": DefaultRetrieveDestination,
		},
		kong.Configuration(YAMLConfigLoader, "gdwhisper.yaml", "~/.config/gdwhisper/config.yaml"),
	}
}

func (c *CLI) run(ctx context.Context, cmd string) error {
	switch cmd {
	case "version":
		fmt.Printf("gdwhisper version %s\n", Version)
		return nil
	case "generate":
		// generate needs no credentials
		path, err := New(c.AppOption, nil, nil, nil, nil).Generate(ctx, c.Generate)
		if err != nil {
			return err
		}
		fmt.Println("Notebook created:", path)
		return nil
	}
	if cmd == "publish" {
		url, err := resolveURL(c.Publish.URL, os.Stdin, os.Stderr)
		if err != nil {
			return err
		}
		c.Publish.URL = url
	}
	app, err := c.newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.WarnContext(ctx, "app cleanup error", "details", err)
		}
	}()
	switch cmd {
	case "publish":
		result, err := app.Publish(ctx, c.Publish)
		if result != nil {
			printPublishResult(os.Stdout, result)
		}
		return err
	case "retrieve":
		report, err := app.Retrieve(ctx, c.Retrieve)
		if report != nil {
			printRetrieveReport(os.Stdout, report)
		}
		if err != nil {
			printTroubleshooting(os.Stderr, c.OutputFolderID)
		}
		return err
	case "list":
		return app.List(ctx, c.List)
	case "history":
		return app.History(ctx, c.History)
	case "serve":
		return app.Serve(ctx, c.Serve)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *CLI) newApp(ctx context.Context) (*App, error) {
	session, err := Authorize(ctx, c.Credentials)
	if err != nil {
		return nil, err
	}
	remote, err := NewDriveStorage(ctx, session.ClientOptions...)
	if err != nil {
		return nil, errors.Join(err, session.Close())
	}
	ledger, err := NewLedger(ctx, c.Ledger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create Ledger: %w", err), session.Close())
	}
	notification, err := NewNotification(ctx, c.Notification)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create Notification: %w", err), session.Close())
	}
	var mirror Mirror
	if c.Mirror.Enabled() {
		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("load AWS config: %w", err), session.Close())
		}
		mirror = NewS3Mirror(awsCfg, c.Mirror)
		slog.InfoContext(ctx, "S3 mirror enabled", "bucket", c.Mirror.S3Bucket, "prefix", c.Mirror.S3Prefix)
	}
	app := New(c.AppOption, remote, ledger, notification, mirror)
	app.AddCleanup(session.Close)
	return app, nil
}

func printPublishResult(w io.Writer, result *PublishResult) {
	res := result.Resource
	if result.Created {
		fmt.Fprintln(w, "Upload successful:")
	} else {
		fmt.Fprintln(w, "Notebook already exists on Drive:")
	}
	fmt.Fprintf(w, "- File ID: %s\n", res.ID)
	fmt.Fprintf(w, "- Colab URL: %s\n", res.ColabURL())
	fmt.Fprintf(w, "- Drive URL: %s\n", res.WebViewLink)
}

func printRetrieveReport(w io.Writer, report *RetrieveReport) {
	for _, item := range report.Items {
		switch item.Status {
		case RetrieveStatusDownloaded:
			fmt.Fprintf(w, "Saved to: %s\n", item.Path)
		case RetrieveStatusSkipped:
			fmt.Fprintf(w, "Skipped: %s (missing file id)\n", item.Resource.Name)
		case RetrieveStatusFailed:
			fmt.Fprintf(w, "Failed: %s: %v\n", item.Resource.Name, item.Err)
		}
	}
	fmt.Fprintf(w, "%d downloaded, %d skipped, %d failed\n",
		len(report.Downloaded()), len(report.Skipped()), len(report.Failed()))
}

func printTroubleshooting(w io.Writer, folderID string) {
	fmt.Fprintln(w, "Troubleshooting:")
	for i, hint := range TroubleshootingHints(folderID) {
		fmt.Fprintf(w, "%d. %s\n", i+1, hint)
	}
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "json":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	var addSource bool
	if level == slog.LevelDebug {
		addSource = true
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level:     level,
				AddSource: addSource,
			},
			RecordTransformerFuncs: []slogutils.RecordTransformerFunc{
				slogutils.ConvertLegacyLevel(
					map[string]slog.Level{
						"debug": slog.LevelDebug,
						"info":  slog.LevelInfo,
						"warn":  slog.LevelWarn,
						"error": slog.LevelError,
					},
					true,
				),
			},
		},
	)
	logger := slog.New(middleware)
	return logger
}
