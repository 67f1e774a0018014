package export

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/newsfleet/drover/internal/config"
)

// Sink receives archived export batches.
type Sink interface {
	Write(ctx context.Context, payload *Payload) error
	Close() error
}

// FileSink writes each batch as a gzipped JSON file under a directory,
// named by watermark and batch id so shipments sort chronologically.
type FileSink struct {
	dir    string
	logger *slog.Logger
}

func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive dir: %w", err)
	}
	return &FileSink{dir: dir, logger: logger.With("component", "export", "sink", "file")}, nil
}

func (s *FileSink) Write(ctx context.Context, payload *Payload) error {
	name := fmt.Sprintf("batch-%s-%s.json.gz",
		payload.Watermark.UTC().Format("20060102T150405"), payload.BatchID)
	path := filepath.Join(s.dir, name)

	f, err := os.CreateTemp(s.dir, ".batch-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	if err := enc.Encode(payload); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// Rename-into-place keeps half-written batches out of the shipper's view.
	if err := os.Rename(f.Name(), path); err != nil {
		return err
	}
	s.logger.Debug("batch archived", "path", path)
	return nil
}

func (s *FileSink) Close() error { return nil }

// MongoSink stores batches in a capped-style collection for fleet-side
// collectors that prefer pull-from-Mongo over HTTP.
type MongoSink struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *slog.Logger
}

func NewMongoSink(ctx context.Context, cfg config.ExportConfig, logger *slog.Logger) (*MongoSink, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &MongoSink{
		client: client,
		coll:   client.Database(cfg.MongoDB).Collection("export_batches"),
		logger: logger.With("component", "export", "sink", "mongo"),
	}, nil
}

func (s *MongoSink) Write(ctx context.Context, payload *Payload) error {
	// Round-trip through JSON so the document matches the HTTP payload
	// byte for byte in field naming.
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongo insert batch: %w", err)
	}
	s.logger.Debug("batch archived", "batch_id", payload.BatchID)
	return nil
}

func (s *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
