package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"security-monitor/internal/config"
	"security-monitor/internal/models"
	"security-monitor/internal/util"
)

// ErrDocumentNotFound is returned when the index has no document with the id.
var ErrDocumentNotFound = errors.New("document not found")

// ESClient archives generated security reports.
type ESClient struct {
	Client *elasticsearch.Client
	config *config.ElasticsearchConfig
	logger *zap.Logger
}

func NewElasticsearchClient(cfg *config.Config, logger *zap.Logger) (*ESClient, error) {
	esConfig := cfg.Elasticsearch

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.IsDevelopment(),
		},
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{esConfig.URL},
		Username:  esConfig.Username,
		Password:  esConfig.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	esClient := &ESClient{
		Client: client,
		config: &esConfig,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := esClient.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("elasticsearch connection test failed: %w", err)
	}

	logger.Info("Elasticsearch client initialized",
		zap.String("url", esConfig.URL),
		zap.String("report_index", esConfig.ReportIndex),
	)
	return esClient, nil
}

func (e *ESClient) Close() {
	util.Info("Elasticsearch client shutdown")
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to get cluster info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

func (e *ESClient) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(document); err != nil {
		return fmt.Errorf("error encoding document: %w", err)
	}

	res, err := e.Client.Index(
		index,
		&buf,
		e.Client.Index.WithContext(ctx),
		e.Client.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("error indexing document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.Status())
	}
	return nil
}

func (e *ESClient) GetDocument(ctx context.Context, index, id string, target interface{}) error {
	res, err := e.Client.Get(index, id, e.Client.Get.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error getting document: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, index, id)
	}

	var envelope struct {
		Source json.RawMessage `json:"_source"`
	}
	if err := e.ParseResponse(res, &envelope); err != nil {
		return err
	}
	if err := json.Unmarshal(envelope.Source, target); err != nil {
		return fmt.Errorf("error unmarshaling document source: %w", err)
	}
	return nil
}

// IndexReport archives a finished report under its id.
func (e *ESClient) IndexReport(ctx context.Context, report *models.SecurityReport) error {
	return e.IndexDocument(ctx, e.config.ReportIndex, report.ReportID, report)
}

func (e *ESClient) GetReport(ctx context.Context, reportID string) (*models.SecurityReport, error) {
	var report models.SecurityReport
	if err := e.GetDocument(ctx, e.config.ReportIndex, reportID, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (e *ESClient) ParseResponse(res *esapi.Response, target interface{}) error {
	defer res.Body.Close()

	if res.IsError() {
		var body map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			return fmt.Errorf("error parsing error response: %w", err)
		}
		reason := "unknown"
		if errInfo, ok := body["error"].(map[string]interface{}); ok {
			if r, ok := errInfo["reason"].(string); ok {
				reason = r
			}
		}
		return fmt.Errorf("elasticsearch error: [%s] %s", res.Status(), reason)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}
	return nil
}
