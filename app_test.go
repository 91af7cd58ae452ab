package gdwhisper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/gdwhisper/pkg/notebook"
	"github.com/stretchr/testify/require"
)

const testSourceURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

type testApp struct {
	*App
	stub      *stubHandler
	tmpDir    string
	eventFile string
}

func newTestApp(t *testing.T, opt AppOption) *testApp {
	t.Helper()
	ctx := context.Background()
	remote, stub := newStubDriveStorage(t)
	tmpDir := t.TempDir()
	ledger, err := NewLedger(ctx, LedgerOption{
		Type:     "file",
		DataFile: filepath.Join(tmpDir, "gdwhisper.dat"),
		LockFile: filepath.Join(tmpDir, "gdwhisper.lock"),
	})
	require.NoError(t, err)
	eventFile := filepath.Join(tmpDir, "gdwhisper.json")
	notification, err := NewNotification(ctx, NotificationOption{
		Type:      "file",
		EventFile: eventFile,
	})
	require.NoError(t, err)
	opt.PublishLockFile = filepath.Join(tmpDir, "publish.lock")
	app := New(opt, remote, ledger, notification, nil)
	app.serveOpt.WorkDir = filepath.Join(tmpDir, "work")
	app.serveOpt.Destination = filepath.Join(tmpDir, "destination")
	return &testApp{App: app, stub: stub, tmpDir: tmpDir, eventFile: eventFile}
}

func (a *testApp) events(t *testing.T) []fileEvent {
	t.Helper()
	fp, err := os.Open(a.eventFile)
	require.NoError(t, err)
	defer fp.Close()
	var events []fileEvent
	scanner := bufio.NewScanner(fp)
	for scanner.Scan() {
		var e fileEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func detailTypes(events []fileEvent) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.DetailType)
	}
	return types
}

func TestAppPublish(t *testing.T) {
	restore := flextime.Fix(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	defer restore()
	app := newTestApp(t, AppOption{InputFolderID: "F1"})
	ctx := context.Background()
	opt := PublishOption{GenerateOption: GenerateOption{
		URL:    testSourceURL,
		Output: filepath.Join(app.tmpDir, "whisper_transcriber.ipynb"),
	}}

	first, err := app.Publish(ctx, opt)
	require.NoError(t, err)
	require.True(t, first.Created)
	second, err := app.Publish(ctx, opt)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Resource.ID, second.Resource.ID)
	_, create, _ := app.stub.Counts()
	require.Equal(t, 1, create)

	entries, err := app.ledger.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].Created)
	require.Equal(t, testSourceURL, entries[0].SourceURL)
	require.Equal(t, first.Resource.ColabURL(), entries[1].ColabURL)
	require.Empty(t, entries[1].SourceURL, "a reused notebook keeps the url it was first published with")

	events := app.events(t)
	require.Equal(t, []string{"Notebook Published", "Notebook Reused"}, detailTypes(events))
	require.Equal(t, "oss.gdwhisper/F1", events[0].Source)
	require.Equal(t, entries[0].RunID, events[0].Detail.RunID)
	require.Equal(t, "whisper_transcriber.ipynb", events[0].Detail.Resource.Name)
	require.Equal(t, testSourceURL, events[0].Detail.SourceURL)
	require.Empty(t, events[1].Detail.SourceURL)

	var buf bytes.Buffer
	require.NoError(t, app.History(ctx, HistoryOption{Output: &buf}))
	require.Contains(t, buf.String(), first.Resource.ID)
	require.Contains(t, buf.String(), "2026-10-01T12:00:00Z")
}

func TestAppPublishRequiresInputFolder(t *testing.T) {
	app := newTestApp(t, AppOption{})
	_, err := app.Publish(context.Background(), PublishOption{GenerateOption: GenerateOption{
		URL:    testSourceURL,
		Output: filepath.Join(app.tmpDir, "whisper_transcriber.ipynb"),
	}})
	require.ErrorIs(t, err, ErrInvalidInput)
	list, _, _ := app.stub.Counts()
	require.Equal(t, 0, list)
}

func TestAppGenerateRejectsInvalidURL(t *testing.T) {
	app := newTestApp(t, AppOption{})
	output := filepath.Join(app.tmpDir, "whisper_transcriber.ipynb")
	_, err := app.Generate(context.Background(), GenerateOption{URL: `https://example.com/"quoted"`, Output: output})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = os.Stat(output)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestAppRetrieve(t *testing.T) {
	app := newTestApp(t, AppOption{OutputFolderID: "F2"})
	app.stub.AddFile("F2", "a.srt", "application/x-subrip", []byte("a"))
	failing := app.stub.AddFile("F2", "b.srt", "application/x-subrip", []byte("b"))
	app.stub.AddFileWithoutID("F2", "c.srt", "application/x-subrip")
	app.stub.set(func(h *stubHandler) { h.failDownload[failing] = true })
	destination := filepath.Join(app.tmpDir, "subtitles")

	report, err := app.Retrieve(context.Background(), RetrieveOption{
		Filter:      ".srt",
		MimeType:    []string{"text/plain"},
		PageSize:    10,
		Destination: destination,
	})
	require.ErrorIs(t, err, ErrTransfer)
	require.NotNil(t, report)
	require.Len(t, report.Downloaded(), 1)
	_, err = os.Stat(filepath.Join(destination, "a.srt"))
	require.NoError(t, err)

	events := app.events(t)
	require.Equal(t, []string{"Subtitle Retrieved", "Subtitle Retrieval Failed", "Subtitle Skipped"}, detailTypes(events))
	require.Equal(t, filepath.Join(destination, "a.srt"), events[0].Detail.LocalPath)
	require.NotEmpty(t, events[1].Detail.Error)
	require.Equal(t, events[0].Detail.RunID, events[2].Detail.RunID)
}

func TestAppRetrieveInvalidMatch(t *testing.T) {
	app := newTestApp(t, AppOption{OutputFolderID: "F2"})
	_, err := app.Retrieve(context.Background(), RetrieveOption{
		Filter:      ".srt",
		PageSize:    10,
		Destination: app.tmpDir,
		Match:       `name.size()`,
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAppList(t *testing.T) {
	app := newTestApp(t, AppOption{OutputFolderID: "F2"})
	app.stub.AddFile("F2", "a.srt", "application/x-subrip", []byte("a"))
	app.stub.AddFile("F2", "notes.txt", "text/plain", []byte("n"))
	app.stub.AddFile("F9", "other.srt", "application/x-subrip", []byte("o"))

	var buf bytes.Buffer
	require.NoError(t, app.List(context.Background(), ListOption{PageSize: 100, Output: &buf}))
	require.Contains(t, buf.String(), "a.srt")
	require.Contains(t, buf.String(), "notes.txt")
	require.NotContains(t, buf.String(), "other.srt")

	buf.Reset()
	require.NoError(t, app.List(context.Background(), ListOption{FolderID: "F9", PageSize: 100, Output: &buf}))
	require.Contains(t, buf.String(), "other.srt")
}

func TestAppClose(t *testing.T) {
	app := newTestApp(t, AppOption{})
	var closed []int
	app.AddCleanup(func() error { closed = append(closed, 1); return nil })
	require.NoError(t, app.Close())
	require.Equal(t, []int{1}, closed)
}

func TestTroubleshootingHints(t *testing.T) {
	hints := TroubleshootingHints("F2")
	require.Len(t, hints, 3)
	require.Equal(t, "Verify folder ID: F2", hints[0])
	require.Equal(t, "Verify folder ID: (empty)", TroubleshootingHints("")[0])
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	for input, want := range map[string]string{
		"~":          home,
		"~/Desktop":  filepath.Join(home, "Desktop"),
		"/tmp/subs":  "/tmp/subs",
		"~other/dir": "~other/dir",
	} {
		got, err := expandHome(input)
		require.NoError(t, err)
		require.Equal(t, want, got, input)
	}
}

func serve(app *testApp, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, req)
	return rr
}

func TestHandlerHealth(t *testing.T) {
	app := newTestApp(t, AppOption{})
	rr := serve(app, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandlerPublish(t *testing.T) {
	app := newTestApp(t, AppOption{InputFolderID: "F1"})

	rr := serve(app, http.MethodPost, "/publish", `{"url":"`+testSourceURL+`"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Created  bool            `json:"created"`
		Resource *RemoteResource `json:"resource"`
		ColabURL string          `json:"colabUrl"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Created)
	require.Equal(t, "whisper_transcriber.ipynb", resp.Resource.Name)
	require.Equal(t, "https://colab.research.google.com/drive/"+resp.Resource.ID, resp.ColabURL)
	leftovers, err := os.ReadDir(app.serveOpt.WorkDir)
	require.NoError(t, err)
	require.Empty(t, leftovers, "per request work directories are removed")

	rr = serve(app, http.MethodPost, "/publish", `{"url":"`+testSourceURL+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.Created)
}

func TestHandlerPublishConcurrentRequests(t *testing.T) {
	app := newTestApp(t, AppOption{InputFolderID: "F1"})
	const n = 4
	var wg sync.WaitGroup
	codes := make(chan int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := fmt.Sprintf("https://www.youtube.com/watch?v=video%d", i)
			codes <- serve(app, http.MethodPost, "/publish", `{"url":"`+url+`"}`).Code
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		require.Equal(t, http.StatusOK, code)
	}

	_, create, _ := app.stub.Counts()
	require.Equal(t, 1, create)
	entries, err := app.ledger.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, n)
	var created []*LedgerEntry
	for _, entry := range entries {
		if entry.Created {
			created = append(created, entry)
			continue
		}
		require.Empty(t, entry.SourceURL)
	}
	require.Len(t, created, 1)

	content, ok := app.stub.FileContent(created[0].ResourceID)
	require.True(t, ok)
	nb, err := notebook.Parse(bytes.NewReader(content))
	require.NoError(t, err)
	uploaded, ok := nb.SourceURL()
	require.True(t, ok)
	require.Equal(t, created[0].SourceURL, uploaded)
}

func TestHandlerPublishErrors(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		setup func(h *stubHandler)
		want  int
	}{
		{name: "malformed body", body: `{`, want: http.StatusBadRequest},
		{name: "invalid url", body: `{"url":"ftp://example.com/video"}`, want: http.StatusBadRequest},
		{name: "lookup failure", body: `{"url":"` + testSourceURL + `"}`, setup: func(h *stubHandler) { h.failList = true }, want: http.StatusBadGateway},
		{name: "upload failure", body: `{"url":"` + testSourceURL + `"}`, setup: func(h *stubHandler) { h.failCreate = true }, want: http.StatusBadGateway},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			app := newTestApp(t, AppOption{InputFolderID: "F1"})
			if c.setup != nil {
				app.stub.set(c.setup)
			}
			rr := serve(app, http.MethodPost, "/publish", c.body)
			require.Equal(t, c.want, rr.Code, rr.Body.String())
			require.Contains(t, rr.Body.String(), `"error"`)
		})
	}
}

func TestHandlerRetrieve(t *testing.T) {
	app := newTestApp(t, AppOption{OutputFolderID: "F2"})
	app.stub.AddFile("F2", "a.srt", "application/x-subrip", []byte("a"))
	destination := filepath.Join(app.serveOpt.Destination, "subtitles")

	rr := serve(app, http.MethodPost, "/retrieve", `{"destination":"subtitles"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		FolderID string `json:"folderId"`
		Items    []struct {
			Path   string `json:"path"`
			Status string `json:"status"`
		} `json:"items"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "F2", resp.FolderID)
	require.Len(t, resp.Items, 1)
	require.Equal(t, "downloaded", resp.Items[0].Status)
	require.Equal(t, filepath.Join(destination, "a.srt"), resp.Items[0].Path)
	require.Empty(t, resp.Errors)
	require.Equal(t, []string{"'F2' in parents and (name contains '.srt' or mimeType = 'text/plain') and trashed = false"}, app.stub.Queries())
}

func TestHandlerRetrieveDefaultDestination(t *testing.T) {
	app := newTestApp(t, AppOption{OutputFolderID: "F2"})
	app.stub.AddFile("F2", "a.srt", "application/x-subrip", []byte("a"))

	rr := serve(app, http.MethodPost, "/retrieve", `{}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	_, err := os.Stat(filepath.Join(app.serveOpt.Destination, "a.srt"))
	require.NoError(t, err)
}

func TestHandlerRetrieveRejectsOutsideDestination(t *testing.T) {
	for _, destination := range []string{
		"/tmp/elsewhere",
		"..",
		"../sibling",
		"subtitles/../../escape",
	} {
		t.Run(destination, func(t *testing.T) {
			app := newTestApp(t, AppOption{OutputFolderID: "F2"})
			app.stub.AddFile("F2", "authorized_keys", "text/plain", []byte("ssh-ed25519 AAAA"))

			rr := serve(app, http.MethodPost, "/retrieve", `{"destination":"`+destination+`"}`)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			list, _, download := app.stub.Counts()
			require.Equal(t, 0, list)
			require.Equal(t, 0, download)
		})
	}
}

func TestHandlerRetrievePartialFailure(t *testing.T) {
	app := newTestApp(t, AppOption{OutputFolderID: "F2"})
	app.stub.AddFile("F2", "a.srt", "application/x-subrip", []byte("a"))
	failing := app.stub.AddFile("F2", "b.srt", "application/x-subrip", []byte("b"))
	app.stub.set(func(h *stubHandler) { h.failDownload[failing] = true })

	rr := serve(app, http.MethodPost, "/retrieve", `{}`)
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())
	var resp struct {
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Errors, 1)
	require.Contains(t, resp.Errors[0], failing)
}

func TestHandlerRetrieveErrors(t *testing.T) {
	t.Run("no matches", func(t *testing.T) {
		app := newTestApp(t, AppOption{OutputFolderID: "F2"})
		rr := serve(app, http.MethodPost, "/retrieve", `{}`)
		require.Equal(t, http.StatusNotFound, rr.Code, rr.Body.String())
	})
	t.Run("output folder unset", func(t *testing.T) {
		app := newTestApp(t, AppOption{})
		rr := serve(app, http.MethodPost, "/retrieve", `{}`)
		require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	})
	t.Run("absent listing", func(t *testing.T) {
		app := newTestApp(t, AppOption{OutputFolderID: "F2"})
		app.stub.set(func(h *stubHandler) { h.nullList = true })
		rr := serve(app, http.MethodPost, "/retrieve", `{}`)
		require.Equal(t, http.StatusBadGateway, rr.Code, rr.Body.String())
	})
}
