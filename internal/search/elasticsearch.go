package search

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const changesIndex = "changes"

// ElasticClient indexes change-ledger entries for ops-side search. The
// database remains authoritative; indexing failures are logged, never fatal.
type ElasticClient struct {
	client  *elasticsearch.Client
	config  config.ElasticConfig
	enabled bool
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return &ElasticClient{enabled: false}, nil
	}

	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client:  client,
		config:  cfg,
		enabled: true,
	}, nil
}

// IndexChanges indexes ledger entries, one document per entry.
// Safe on a nil receiver, which callers get when search init was skipped.
func (c *ElasticClient) IndexChanges(ctx context.Context, entries []models.ChangeLogEntry) error {
	if c == nil || !c.enabled || len(entries) == 0 {
		return nil
	}

	indexName := config.FormatIndex(c.config, changesIndex)
	for _, entry := range entries {
		doc := map[string]interface{}{
			"upstream_id": entry.UpstreamID,
			"field_name":  entry.FieldName,
			"old_value":   entry.OldValue,
			"new_value":   entry.NewValue,
			"created_at":  entry.CreatedAt,
		}

		docJSON, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrap(err, "failed to marshal change document")
		}

		req := esapi.IndexRequest{
			Index:      indexName,
			DocumentID: strconv.FormatUint(uint64(entry.ID), 10),
			Body:       bytes.NewReader(docJSON),
		}

		res, err := req.Do(ctx, c.client)
		if err != nil {
			return errors.Wrap(err, "failed to execute Elasticsearch index request")
		}
		if res.IsError() {
			var e map[string]interface{}
			if decodeErr := json.NewDecoder(res.Body).Decode(&e); decodeErr != nil {
				res.Body.Close()
				return errors.Wrap(decodeErr, "failed to parse Elasticsearch error response")
			}
			res.Body.Close()
			return errors.Errorf("Elasticsearch index error: %v", e)
		}
		res.Body.Close()
	}

	log.Debug().Int("entries", len(entries)).Msg("Indexed change log entries")
	return nil
}
