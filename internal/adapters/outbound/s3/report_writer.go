// Package s3 archives divergence reports to AWS S3.
package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// s3WriterAPI defines the subset of S3 operations needed by the ReportWriter.
type s3WriterAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time check that ReportWriter implements outbound.DivergenceReporter
var _ outbound.DivergenceReporter = (*ReportWriter)(nil)

// Config holds configuration for the report writer.
type Config struct {
	// Bucket receives the reports.
	Bucket string

	// Prefix is prepended to every key. Default: "divergence".
	Prefix string

	// Gzip compresses report bodies.
	Gzip bool
}

// ReportWriter writes one JSON object per divergence report. Keys are
// <prefix>/YYYY/MM/DD/<reportID>.json and are never overwritten.
type ReportWriter struct {
	client s3WriterAPI
	config Config
	logger *slog.Logger
}

// NewReportWriter creates a report writer using the given AWS config.
func NewReportWriter(cfg aws.Config, config Config, logger *slog.Logger, optFns ...func(*s3.Options)) (*ReportWriter, error) {
	return newReportWriter(s3.NewFromConfig(cfg, optFns...), config, logger)
}

func newReportWriter(client s3WriterAPI, config Config, logger *slog.Logger) (*ReportWriter, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if config.Prefix == "" {
		config.Prefix = "divergence"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportWriter{
		client: client,
		config: config,
		logger: logger.With("component", "s3-report-writer"),
	}, nil
}

// Key returns the object key for a report.
func (w *ReportWriter) Key(report outbound.DivergenceReport) string {
	ext := ".json"
	if w.config.Gzip {
		ext = ".json.gz"
	}
	return path.Join(w.config.Prefix, report.DetectedAt.UTC().Format("2006/01/02"), report.ReportID+ext)
}

// ReportDivergence writes the report. A report already stored under the same
// key is left untouched.
func (w *ReportWriter) ReportDivergence(ctx context.Context, report outbound.DivergenceReport) error {
	if report.ReportID == "" {
		return errors.New("report ID is required")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	body, contentEncoding, err := prepareBody(data, w.config.Gzip)
	if err != nil {
		return err
	}

	key := w.Key(report)
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(w.config.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: contentEncoding,
		IfNoneMatch:     aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "PreconditionFailed" || apiErr.ErrorCode() == "412") {
			w.logger.Debug("report already archived", "key", key)
			return nil
		}
		return fmt.Errorf("failed to write report to S3: %w", err)
	}

	w.logger.Info("archived divergence report", "bucket", w.config.Bucket, "key", key, "diff", report.DiffMinor)
	return nil
}

// prepareBody handles optional gzip compression for the upload body.
func prepareBody(data []byte, compressGzip bool) ([]byte, *string, error) {
	if !compressGzip {
		return data, nil, nil
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	if _, err := gzWriter.Write(data); err != nil {
		return nil, nil, fmt.Errorf("failed to compress report: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), aws.String("gzip"), nil
}
