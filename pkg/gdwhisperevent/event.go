// Package gdwhisperevent provides types for gdwhisper event payloads.
// These types can be used in Lambda functions to unmarshal events gdwhisper
// sends to Amazon EventBridge.
//
//	func handler(ctx context.Context, event gdwhisperevent.Event) error {
//	    fmt.Println(event.DetailType)
//	    fmt.Println(event.Detail.Subject)
//	}
package gdwhisperevent

import "time"

// Detail types.
const (
	DetailTypeNotebookPublished = "Notebook Published"
	DetailTypeNotebookReused    = "Notebook Reused"
	DetailTypeSubtitleRetrieved = "Subtitle Retrieved"
	DetailTypeSubtitleSkipped   = "Subtitle Skipped"
	DetailTypeSubtitleFailed    = "Subtitle Retrieval Failed"
)

// Event represents the full EventBridge event from gdwhisper.
type Event struct {
	Version    string    `json:"version"`
	ID         string    `json:"id"`
	DetailType string    `json:"detail-type"`
	Source     string    `json:"source"`
	AccountID  string    `json:"account"`
	Time       time.Time `json:"time"`
	Region     string    `json:"region"`
	Resources  []string  `json:"resources"`
	Detail     Detail    `json:"detail"`
}

// Detail is the event detail payload.
type Detail struct {
	DetailType string    `json:"-"`
	Subject    string    `json:"subject"`
	RunID      string    `json:"runId"`
	FolderID   string    `json:"folderId"`
	Resource   *Resource `json:"resource,omitempty"`
	LocalPath  string    `json:"localPath,omitempty"`
	SourceURL  string    `json:"sourceUrl,omitempty"`
	MirrorURI  string    `json:"mirrorUri,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Resource is the remote file the event is about.
type Resource struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType,omitempty"`
	WebViewLink string `json:"webViewLink,omitempty"`
	ColabURL    string `json:"colabUrl,omitempty"`
	Size        int64  `json:"size,omitempty"`
}
