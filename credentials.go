package gdwhisper

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/mashiike/gcreds4aws"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// CredentialsOption selects where the service account credential comes from.
//
// Supported sources:
//   - "file": a service account JSON key file (default)
//   - "ssm": a service account JSON key stored in an AWS SSM parameter
//   - "gcreds4aws": delegate to github.com/mashiike/gcreds4aws
type CredentialsOption struct {
	Source         string `help:"credentials source" default:"file" enum:"file,ssm,gcreds4aws" env:"GDWHISPER_CREDENTIALS_SOURCE"`
	File           string `help:"service account key file (file source only)" default:"apikeys.json" type:"path" env:"GDWHISPER_CREDENTIALS_FILE"`
	ParameterName  string `help:"SSM parameter holding the service account key (ssm source only)" env:"GDWHISPER_CREDENTIALS_PARAMETER_NAME"`
	Base64Encoding bool   `name:"base64" help:"SSM parameter value is base64 encoded (ssm source only)" env:"GDWHISPER_CREDENTIALS_BASE64"`
}

// Validate checks the option combination.
func (o CredentialsOption) Validate() error {
	switch o.Source {
	case "", "file":
		if o.File == "" {
			return fmt.Errorf("%w: credentials file is required, if source is file", ErrInvalidInput)
		}
	case "ssm":
		if o.ParameterName == "" {
			return fmt.Errorf("%w: credentials parameter name is required, if source is ssm", ErrInvalidInput)
		}
	case "gcreds4aws":
	default:
		return fmt.Errorf("%w: unknown credentials source %q", ErrInvalidInput, o.Source)
	}
	return nil
}

// Session is an authorized handle to the remote storage service.
type Session struct {
	// Email is the service account identity, empty when the credential is delegated.
	Email         string
	ClientOptions []option.ClientOption

	closeFn func() error
}

// Close releases resources held by the credential source.
func (s *Session) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// DriveScopes are the permission scopes requested for every session.
var DriveScopes = []string{drive.DriveScope}

// Authorize exchanges the configured service account credential for an
// authorized session. The exchange happens once; failures are [AuthError]s.
func Authorize(ctx context.Context, opt CredentialsOption) (*Session, error) {
	if err := opt.Validate(); err != nil {
		return nil, &AuthError{Op: "configure", Err: err}
	}
	switch opt.Source {
	case "ssm":
		data, err := fetchSSMCredentials(ctx, opt)
		if err != nil {
			return nil, &AuthError{Op: "read", Err: err}
		}
		return AuthorizeJSON(ctx, data)
	case "gcreds4aws":
		slog.DebugContext(ctx, "credentials delegated to gcreds4aws")
		return &Session{
			ClientOptions: []option.ClientOption{
				gcreds4aws.WithCredentials(ctx),
				option.WithScopes(DriveScopes...),
			},
			closeFn: gcreds4aws.Close,
		}, nil
	default:
		slog.DebugContext(ctx, "read service account key", "path", opt.File)
		data, err := os.ReadFile(opt.File)
		if err != nil {
			return nil, &AuthError{Op: "read", Err: err}
		}
		return AuthorizeJSON(ctx, data)
	}
}

// AuthorizeJSON exchanges a service account JSON key for an authorized session.
func AuthorizeJSON(ctx context.Context, data []byte) (*Session, error) {
	normalized, err := NormalizeServiceAccountKey(data)
	if err != nil {
		return nil, &AuthError{Op: "parse", Err: err}
	}
	conf, err := google.JWTConfigFromJSON(normalized, DriveScopes...)
	if err != nil {
		return nil, &AuthError{Op: "parse", Err: err}
	}
	ts := conf.TokenSource(ctx)
	if _, err := ts.Token(); err != nil {
		return nil, &AuthError{Op: "exchange", Err: err}
	}
	slog.InfoContext(ctx, "authorized", "client_email", conf.Email)
	return &Session{
		Email:         conf.Email,
		ClientOptions: []option.ClientOption{option.WithTokenSource(ts)},
	}, nil
}

// NormalizeServiceAccountKey unescapes literal "\n" sequences in the
// private_key field and checks that the required fields are usable.
func NormalizeServiceAccountKey(data []byte) ([]byte, error) {
	var key map[string]any
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("service account key is not json: %w", err)
	}
	email, _ := key["client_email"].(string)
	if email == "" {
		return nil, errors.New("client_email is empty")
	}
	privateKey, _ := key["private_key"].(string)
	if privateKey == "" {
		return nil, errors.New("private_key is empty")
	}
	privateKey = strings.ReplaceAll(privateKey, `\n`, "\n")
	if block, _ := pem.Decode([]byte(privateKey)); block == nil {
		return nil, errors.New("private_key is not PEM encoded")
	}
	key["private_key"] = privateKey
	return json.Marshal(key)
}

func fetchSSMCredentials(ctx context.Context, opt CredentialsOption) ([]byte, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := ssm.NewFromConfig(awsCfg)
	slog.DebugContext(ctx, "try get parameter", "name", opt.ParameterName)
	output, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(opt.ParameterName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get parameter %s: %w", opt.ParameterName, err)
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return nil, fmt.Errorf("parameter %s is empty", opt.ParameterName)
	}
	value := *output.Parameter.Value
	if !opt.Base64Encoding {
		return []byte(value), nil
	}
	decoder := base64.NewDecoder(base64.StdEncoding, strings.NewReader(strings.TrimSpace(value)))
	creds, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("parameter %s base64 decode failed: %w", opt.ParameterName, err)
	}
	return creds, nil
}
