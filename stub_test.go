package gdwhisper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

type stubFile struct {
	meta    *drive.File
	content []byte
}

// stubHandler fakes the subset of the Drive v3 files API used by DriveStorage.
type stubHandler struct {
	mu     sync.Mutex
	t      *testing.T
	router *mux.Router
	files  []*stubFile
	nextID int

	listCalls     int
	createCalls   int
	downloadCalls int
	queries       []string

	nullList      bool
	failList      bool
	failCreate    bool
	failDownload  map[string]bool
	truncateAfter map[string]int
	afterCreate   func(meta *drive.File)
}

func NewStub(t *testing.T) (*httptest.Server, *stubHandler) {
	t.Helper()
	stub := &stubHandler{
		t:             t,
		router:        mux.NewRouter(),
		failDownload:  map[string]bool{},
		truncateAfter: map[string]int{},
	}
	stub.setupRoute()
	server := httptest.NewServer(stub)
	t.Cleanup(server.Close)
	return server, stub
}

func newStubDriveStorage(t *testing.T) (*DriveStorage, *stubHandler) {
	t.Helper()
	server, stub := NewStub(t)
	remote, err := NewDriveStorage(context.Background(), option.WithoutAuthentication(), option.WithEndpoint(server.URL))
	require.NoError(t, err)
	return remote, stub
}

func (h *stubHandler) setupRoute() {
	h.router.HandleFunc("/files", h.handleList).Methods(http.MethodGet)
	h.router.HandleFunc("/files", h.handleCreate).Methods(http.MethodPost)
	h.router.HandleFunc("/upload/drive/v3/files", h.handleCreate).Methods(http.MethodPost)
	h.router.HandleFunc("/upload/files", h.handleCreate).Methods(http.MethodPost)
	h.router.HandleFunc("/files/{fileId}", h.handleGet).Methods(http.MethodGet)
}

func (h *stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

var (
	parentRe       = regexp.MustCompile(`'([^']*)' in parents`)
	nameEqualsRe   = regexp.MustCompile(`name = '([^']*)'`)
	nameContainsRe = regexp.MustCompile(`name contains '([^']*)'`)
	mimeTypeRe     = regexp.MustCompile(`mimeType = '([^']*)'`)
)

func (h *stubHandler) match(q string, f *drive.File) bool {
	if m := parentRe.FindStringSubmatch(q); m != nil && !slices.Contains(f.Parents, m[1]) {
		return false
	}
	if m := nameEqualsRe.FindStringSubmatch(q); m != nil && f.Name != m[1] {
		return false
	}
	var alternatives []func() bool
	if m := nameContainsRe.FindStringSubmatch(q); m != nil {
		alternatives = append(alternatives, func() bool { return strings.Contains(f.Name, m[1]) })
	}
	for _, m := range mimeTypeRe.FindAllStringSubmatch(q, -1) {
		alternatives = append(alternatives, func() bool { return f.MimeType == m[1] })
	}
	if len(alternatives) == 0 {
		return true
	}
	for _, alt := range alternatives {
		if alt() {
			return true
		}
	}
	return false
}

func (h *stubHandler) handleList(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listCalls++
	q := r.URL.Query().Get("q")
	h.queries = append(h.queries, q)
	if h.failList {
		writeStubError(w, http.StatusForbidden, "backend error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if h.nullList {
		io.WriteString(w, `{"kind":"drive#fileList"}`)
		return
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	files := make([]*drive.File, 0)
	for _, f := range h.files {
		if pageSize > 0 && len(files) >= pageSize {
			break
		}
		if h.match(q, f.meta) {
			files = append(files, f.meta)
		}
	}
	json.NewEncoder(w).Encode(map[string]any{
		"kind":  "drive#fileList",
		"files": files,
	})
}

func (h *stubHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.createCalls++
	fail := h.failCreate
	h.mu.Unlock()
	if fail {
		writeStubError(w, http.StatusForbidden, "upload failed")
		return
	}
	meta, content, err := parseUpload(r)
	if err != nil {
		writeStubError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.mu.Lock()
	h.nextID++
	meta.Id = fmt.Sprintf("file-%d", h.nextID)
	meta.WebViewLink = fmt.Sprintf("https://drive.google.com/file/d/%s/view", meta.Id)
	meta.Size = int64(len(content))
	h.files = append(h.files, &stubFile{meta: meta, content: content})
	afterCreate := h.afterCreate
	h.mu.Unlock()
	if afterCreate != nil {
		afterCreate(meta)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

func parseUpload(r *http.Request) (*drive.File, []byte, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		content, err := io.ReadAll(r.Body)
		return &drive.File{}, content, err
	}
	reader := multipart.NewReader(r.Body, params["boundary"])
	metaPart, err := reader.NextPart()
	if err != nil {
		return nil, nil, fmt.Errorf("metadata part: %w", err)
	}
	var meta drive.File
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		return nil, nil, fmt.Errorf("decode metadata: %w", err)
	}
	contentPart, err := reader.NextPart()
	if err != nil {
		return nil, nil, fmt.Errorf("content part: %w", err)
	}
	content, err := io.ReadAll(contentPart)
	if err != nil {
		return nil, nil, err
	}
	return &meta, content, nil
}

func (h *stubHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["fileId"]
	h.mu.Lock()
	defer h.mu.Unlock()
	var file *stubFile
	for _, f := range h.files {
		if f.meta.Id == id {
			file = f
			break
		}
	}
	if r.URL.Query().Get("alt") != "media" {
		if file == nil {
			writeStubError(w, http.StatusNotFound, "File not found: "+id)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(file.meta)
		return
	}
	h.downloadCalls++
	if h.failDownload[id] {
		writeStubError(w, http.StatusForbidden, "download failed")
		return
	}
	if file == nil {
		writeStubError(w, http.StatusNotFound, "File not found: "+id)
		return
	}
	content := file.content
	if n, ok := h.truncateAfter[id]; ok {
		// announce the full length but close early
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content[:n])
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(content)
}

func writeStubError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// AddFile registers a file and returns its id.
func (h *stubHandler) AddFile(folderID, name, mimeType string, content []byte) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := fmt.Sprintf("file-%d", h.nextID)
	h.addFile(id, folderID, name, mimeType, content)
	return id
}

// AddFileWithoutID registers a listing entry that has no id.
func (h *stubHandler) AddFileWithoutID(folderID, name, mimeType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addFile("", folderID, name, mimeType, nil)
}

func (h *stubHandler) addFile(id, folderID, name, mimeType string, content []byte) {
	h.files = append(h.files, &stubFile{
		meta: &drive.File{
			Id:          id,
			Name:        name,
			MimeType:    mimeType,
			Parents:     []string{folderID},
			WebViewLink: fmt.Sprintf("https://drive.google.com/file/d/%s/view", id),
			Size:        int64(len(content)),
		},
		content: content,
	})
}

func (h *stubHandler) FileContent(id string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.files {
		if f.meta.Id == id {
			return f.content, true
		}
	}
	return nil, false
}

func (h *stubHandler) Counts() (list, create, download int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listCalls, h.createCalls, h.downloadCalls
}

func (h *stubHandler) Queries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.queries)
}

func (h *stubHandler) set(fn func(h *stubHandler)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}
