// Package gdwhisper publishes a Whisper transcription notebook to Google Drive
// and retrieves the subtitle files the notebook produces.
//
// A notebook generated for a video URL is uploaded to an input folder, where
// it can be opened in Google Colaboratory. Running it writes subtitles to an
// output folder, and gdwhisper downloads them to a local directory.
//
// # Architecture
//
// The package consists of these main components:
//
//   - [App]: Core application that coordinates generating, publishing and retrieving
//   - [Publisher]: Uploads a local file unless a file of the same name already exists in the folder
//   - [Retriever]: Lists a folder and streams each matching file to disk
//   - [RemoteStorage]: Google Drive access ([DriveStorage])
//   - [Ledger]: Record of publishes (DynamoDB or file-based)
//   - [Notification]: Event delivery to downstream systems (EventBridge or file-based)
//   - [Mirror]: Optional copy of retrieved files to Amazon S3
//
// # Usage
//
// For CLI usage, create a [CLI] instance and call Run:
//
//	var cli gdwhisper.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// For programmatic usage, authorize and create an [App] instance:
//
//	session, _ := gdwhisper.Authorize(ctx, credentialsOption)
//	defer session.Close()
//	remote, _ := gdwhisper.NewDriveStorage(ctx, session.ClientOptions...)
//	app := gdwhisper.New(appOption, remote, nil, nil, nil)
//	result, err := app.Publish(ctx, gdwhisper.PublishOption{...})
//
// # Google Drive Integration
//
// gdwhisper authenticates with a service account key read from a local file,
// from AWS Systems Manager Parameter Store, or through gcreds4aws. The folders
// must be shared with the service account.
//
// # AWS Integration
//
// The package integrates with AWS services:
//   - Systems Manager Parameter Store for service account keys
//   - DynamoDB for the publish ledger
//   - EventBridge for publish and retrieve events
//   - S3 for mirroring retrieved subtitles
//   - Lambda for serverless deployment of the HTTP API (via [github.com/fujiwara/ridge])
//
// # Error Handling
//
// Failures are classified by sentinel errors, usable with [errors.Is]:
// [ErrAuthorization], [ErrLookup], [ErrNotFound], [ErrTransfer], [ErrConflict]
// and [ErrInvalidInput].
package gdwhisper
