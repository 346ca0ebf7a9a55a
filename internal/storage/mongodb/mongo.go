// Package mongodb stores scan results as MongoDB documents.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/id/uuid"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Config holds the connection settings.
type Config struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// Collection is the subset of *mongo.Collection the store writes through.
type Collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// Connect dials and pings MongoDB, returning the client and the results collection.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*mongo.Client, *mongo.Collection, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(timeout).
		SetRetryWrites(true)
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		if dErr := client.Disconnect(context.WithoutCancel(ctx)); dErr != nil {
			logger.Warn("disconnect mongodb after failed ping", zap.Error(dErr))
		}
		return nil, nil, fmt.Errorf("ping mongodb: %w", err)
	}
	name := cfg.Collection
	if name == "" {
		name = "qa_results"
	}
	coll := client.Database(cfg.Database).Collection(name)
	logger.Info("connected to mongodb", zap.String("database", cfg.Database), zap.String("collection", name))
	return client, coll, nil
}

// EnsureIndexes creates the lookup indexes on the results collection.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "site_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_site_created"),
		},
		{
			Keys:    bson.D{{Key: "kind", Value: 1}},
			Options: options.Index().SetName("idx_kind"),
		},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

type resultDoc struct {
	ID         string    `bson:"_id"`
	Kind       string    `bson:"kind"`
	SiteID     string    `bson:"site_id,omitempty"`
	URL        string    `bson:"url"`
	Success    bool      `bson:"success"`
	IssueTotal int       `bson:"issue_total"`
	CreatedAt  time.Time `bson:"created_at"`
	Result     any       `bson:"result"`
}

// ResultStore writes one document per result.
type ResultStore struct {
	coll         Collection
	clock        qa.Clock
	ids          qa.IDGenerator
	writeTimeout time.Duration
}

var _ qa.ResultStore = (*ResultStore)(nil)

// NewResultStore wraps coll.
func NewResultStore(coll Collection, clock qa.Clock, writeTimeout time.Duration) *ResultStore {
	if clock == nil {
		clock = qa.SystemClock{}
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &ResultStore{coll: coll, clock: clock, ids: uuid.New("form"), writeTimeout: writeTimeout}
}

// SaveScan replaces the document for r.ID.
func (s *ResultStore) SaveScan(ctx context.Context, r qa.ScanResult) error {
	return s.replace(ctx, resultDoc{
		ID: r.ID, Kind: "scan", SiteID: r.SiteID, URL: r.URL,
		Success: r.Success, IssueTotal: r.Counts.Total, Result: r,
	})
}

// SaveMultiPage replaces the document for r.ID.
func (s *ResultStore) SaveMultiPage(ctx context.Context, r qa.MultiPageScanResult) error {
	return s.replace(ctx, resultDoc{
		ID: r.ID, Kind: "multi_page", SiteID: r.SiteID, URL: r.EntryURL,
		Success: r.Summary.PagesFailed == 0, IssueTotal: r.Summary.Counts.Total, Result: r,
	})
}

// SaveFormTest inserts a new document.
func (s *ResultStore) SaveFormTest(ctx context.Context, r qa.FormTestResult) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("form result id: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	doc := resultDoc{
		ID: id, Kind: "form_test", URL: r.URL, Success: !r.HasIssues(),
		IssueTotal: len(r.Issues), CreatedAt: s.clock.Now(), Result: r,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert form result: %w", err)
	}
	return nil
}

func (s *ResultStore) replace(ctx context.Context, doc resultDoc) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: %s result without id", qa.ErrInvalidRequest, doc.Kind)
	}
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	doc.CreatedAt = s.clock.Now()
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s result: %w", doc.Kind, err)
	}
	return nil
}
