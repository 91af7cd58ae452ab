package gdwhisper

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/shogo82148/go-retry"
)

type LedgerOption struct {
	Type       string `help:"publish ledger type" default:"none" enum:"none,file,dynamodb" env:"GDWHISPER_LEDGER_TYPE"`
	TableName  string `help:"dynamodb table name" default:"gdwhisper" env:"GDWHISPER_DDB_TABLE_NAME"`
	AutoCreate bool   `help:"auto create dynamodb table" default:"false" env:"GDWHISPER_DDB_AUTO_CREATE" negatable:""`
	DataFile   string `help:"file ledger data file" default:"gdwhisper.dat" env:"GDWHISPER_FILE_LEDGER_DATA_FILE"`
	LockFile   string `help:"file ledger lock file" default:"gdwhisper.lock" env:"GDWHISPER_FILE_LEDGER_LOCK_FILE"`
}

// LedgerEntry records the outcome of one publish.
type LedgerEntry struct {
	RunID       string
	FolderID    string
	Name        string
	ResourceID  string
	WebViewLink string
	ColabURL    string
	// SourceURL is the URL embedded in the uploaded notebook, empty when an
	// existing notebook was reused since its content is not known.
	SourceURL   string
	Created     bool
	PublishedAt time.Time
}

// Ledger keeps the history of publishes.
type Ledger interface {
	Record(context.Context, *LedgerEntry) error
	// Entries returns every recorded entry, oldest first.
	Entries(context.Context) ([]*LedgerEntry, error)
}

func NewLedger(ctx context.Context, cfg LedgerOption) (Ledger, error) {
	switch cfg.Type {
	case "", "none":
		return nopLedger{}, nil
	case "file":
		return NewFileLedger(cfg), nil
	case "dynamodb":
		return NewDynamoDBLedger(ctx, cfg)
	}
	return nil, fmt.Errorf("%w: unknown ledger type %q", ErrInvalidInput, cfg.Type)
}

type nopLedger struct{}

func (nopLedger) Record(context.Context, *LedgerEntry) error { return nil }

func (nopLedger) Entries(context.Context) ([]*LedgerEntry, error) { return nil, nil }

func sortEntries(entries []*LedgerEntry) {
	slices.SortStableFunc(entries, func(a, b *LedgerEntry) int {
		return a.PublishedAt.Compare(b.PublishedAt)
	})
}

func getAttributeValueAs[T types.AttributeValue](key string, values map[string]types.AttributeValue) (T, bool) {
	var empty T
	value, ok := values[key]
	if !ok {
		return empty, false
	}
	if v, ok := value.(T); ok {
		return v, true
	}
	return empty, false
}

func newLedgerEntryWithDynamoDBAttributeValues(values map[string]types.AttributeValue) *LedgerEntry {
	entry := &LedgerEntry{}
	for key, dst := range map[string]*string{
		"RunID":       &entry.RunID,
		"FolderID":    &entry.FolderID,
		"Name":        &entry.Name,
		"ResourceID":  &entry.ResourceID,
		"WebViewLink": &entry.WebViewLink,
		"ColabURL":    &entry.ColabURL,
		"SourceURL":   &entry.SourceURL,
	} {
		if v, ok := getAttributeValueAs[*types.AttributeValueMemberS](key, values); ok {
			*dst = v.Value
		}
	}
	if v, ok := getAttributeValueAs[*types.AttributeValueMemberBOOL]("Created", values); ok {
		entry.Created = v.Value
	}
	if v, ok := getAttributeValueAs[*types.AttributeValueMemberN]("PublishedAt", values); ok {
		if publishedAt, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			entry.PublishedAt = time.UnixMilli(publishedAt)
		}
	}
	return entry
}

func (entry *LedgerEntry) toDynamoDBAttributeValues() map[string]types.AttributeValue {
	values := map[string]types.AttributeValue{
		"RunID":       &types.AttributeValueMemberS{Value: entry.RunID},
		"FolderID":    &types.AttributeValueMemberS{Value: entry.FolderID},
		"Name":        &types.AttributeValueMemberS{Value: entry.Name},
		"ResourceID":  &types.AttributeValueMemberS{Value: entry.ResourceID},
		"Created":     &types.AttributeValueMemberBOOL{Value: entry.Created},
		"PublishedAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(entry.PublishedAt.UnixMilli(), 10)},
	}
	// optional attributes
	for key, v := range map[string]string{
		"WebViewLink": entry.WebViewLink,
		"ColabURL":    entry.ColabURL,
		"SourceURL":   entry.SourceURL,
	} {
		if v != "" {
			values[key] = &types.AttributeValueMemberS{Value: v}
		}
	}
	return values
}

// DynamoDBClient is the subset of the DynamoDB API used by [DynamoDBLedger].
type DynamoDBClient interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type DynamoDBLedger struct {
	client    DynamoDBClient
	tableName string
}

func NewDynamoDBLedger(ctx context.Context, cfg LedgerOption) (*DynamoDBLedger, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return NewDynamoDBLedgerWithClient(ctx, dynamodb.NewFromConfig(awsCfg), cfg)
}

func NewDynamoDBLedgerWithClient(ctx context.Context, client DynamoDBClient, cfg LedgerOption) (*DynamoDBLedger, error) {
	l := &DynamoDBLedger{
		client:    client,
		tableName: cfg.TableName,
	}
	slog.InfoContext(ctx, "check describe dynamodb table", "table_name", l.tableName)
	exists, err := l.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists && cfg.AutoCreate {
		if err := l.createTable(ctx); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *DynamoDBLedger) tableExists(ctx context.Context) (bool, error) {
	table, err := l.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(l.tableName),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceNotFoundException" {
			return false, nil
		}
		slog.DebugContext(ctx, "DescribeTable failed", "error", err)
		return false, err
	}
	slog.DebugContext(ctx, "exists table", "table_name", l.tableName, "status", table.Table.TableStatus)
	if table.Table.TableStatus == types.TableStatusActive || table.Table.TableStatus == types.TableStatusUpdating {
		return true, nil
	}
	return false, nil
}

func (l *DynamoDBLedger) waitTableActive(ctx context.Context) error {
	policy := retry.Policy{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		MaxCount: 20,
		Jitter:   100 * time.Millisecond,
	}
	retrier := policy.Start(ctx)
	var err error
	var exists bool
	slog.DebugContext(ctx, "start wait dynamodb table active", "table_name", l.tableName)
	for retrier.Continue() {
		exists, err = l.tableExists(ctx)
		if err == nil && exists {
			return nil
		}
	}
	if err == nil {
		return errors.New("table not active")
	}
	return fmt.Errorf("table not active: %w", err)
}

func (l *DynamoDBLedger) createTable(ctx context.Context) error {
	slog.DebugContext(ctx, "create dynamodb table", "table_name", l.tableName)
	output, err := l.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(l.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("RunID"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("RunID"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceInUseException" {
			slog.DebugContext(ctx, "create dynamodb table ResourceInUseException: wait table active", "table_name", l.tableName)
			return l.waitTableActive(ctx)
		}
		return err
	}
	slog.InfoContext(ctx, "create dynamodb table", "table_arn", aws.ToString(output.TableDescription.TableArn))
	return l.waitTableActive(ctx)
}

func (l *DynamoDBLedger) Record(ctx context.Context, entry *LedgerEntry) error {
	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                entry.toDynamoDBAttributeValues(),
		ConditionExpression: aws.String("attribute_not_exists(RunID)"),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			return fmt.Errorf("%w: ledger entry run_id:%s already exists", ErrConflict, entry.RunID)
		}
		slog.WarnContext(ctx, "failed put item", "run_id", entry.RunID, "table_name", l.tableName, "error", err)
		return err
	}
	slog.InfoContext(ctx, "put item", "run_id", entry.RunID, "table_name", l.tableName)
	return nil
}

func (l *DynamoDBLedger) Entries(ctx context.Context) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	input := &dynamodb.ScanInput{
		TableName:      aws.String(l.tableName),
		Select:         types.SelectAllAttributes,
		ConsistentRead: aws.Bool(false),
	}
	for {
		output, err := l.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan dynamodb table %s: %w", l.tableName, err)
		}
		slog.DebugContext(ctx, "scan dynamodb table success", "item_count", output.Count)
		entries = append(entries, Map(output.Items, newLedgerEntryWithDynamoDBAttributeValues)...)
		if len(output.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = output.LastEvaluatedKey
	}
	sortEntries(entries)
	return entries, nil
}

// FileLedger stores entries in a gob encoded file guarded by a file lock.
type FileLedger struct {
	mu    sync.Mutex
	Items []*LedgerEntry

	LockFile string
	FilePath string
}

func NewFileLedger(cfg LedgerOption) *FileLedger {
	return &FileLedger{
		FilePath: cfg.DataFile,
		LockFile: cfg.LockFile,
	}
}

func (l *FileLedger) Record(ctx context.Context, entry *LedgerEntry) error {
	return l.transactional(ctx, func(context.Context) error {
		l.Items = append(l.Items, entry)
		return nil
	})
}

func (l *FileLedger) Entries(ctx context.Context) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	if err := l.transactional(ctx, func(context.Context) error {
		entries = slices.Clone(l.Items)
		return nil
	}); err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

func (l *FileLedger) transactional(ctx context.Context, fn func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return withFileLock(ctx, l.LockFile, func(ctx context.Context) error {
		if err := l.restore(ctx); err != nil {
			return err
		}
		if err := fn(ctx); err != nil {
			slog.DebugContext(ctx, "transactional function failed", "error", err)
			return err
		}
		return l.store(ctx)
	})
}

func (l *FileLedger) restore(ctx context.Context) error {
	l.Items = nil
	fp, err := os.Open(l.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open ledger: %w", err)
	}
	defer fp.Close()
	if err := gob.NewDecoder(fp).Decode(&l.Items); err != nil && err != io.EOF {
		slog.ErrorContext(ctx, "failed restore file ledger", "path", l.FilePath, "error", err)
		return err
	}
	return nil
}

func (l *FileLedger) store(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.FilePath), 0755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	fp, err := os.Create(l.FilePath)
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	defer fp.Close()
	if err := gob.NewEncoder(fp).Encode(l.Items); err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	slog.DebugContext(ctx, "file ledger stored", "path", l.FilePath)
	return nil
}
