package messaging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"example.com/backstage/services/possync/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ServiceBusClient publishes integration events (sweep summaries, render
// triggers) for downstream collaborators
type ServiceBusClient interface {
	SendMessage(ctx context.Context, eventType string, body interface{}) error
	Close() error
}

// serviceBusClient implements ServiceBusClient against Azure Service Bus
type serviceBusClient struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// noopServiceBusClient is used when the bus is disabled or unconfigured
type noopServiceBusClient struct{}

// NewNoopServiceBusClient returns a client that drops every message
func NewNoopServiceBusClient() ServiceBusClient {
	return &noopServiceBusClient{}
}

// NewServiceBusClient creates a new Service Bus client. Without a connection
// string the no-op client is returned, so local runs work without Azure.
func NewServiceBusClient(cfg config.AzureConfig) (ServiceBusClient, error) {
	if !cfg.Enabled || cfg.QueueConnStr == "" {
		return &noopServiceBusClient{}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &serviceBusClient{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// generateMessageID generates a random message id
func generateMessageID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// SendMessage publishes one event to the queue
func (s *serviceBusClient) SendMessage(ctx context.Context, eventType string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message body")
	}

	messageID := generateMessageID()
	msg := &azservicebus.Message{
		Body:      data,
		MessageID: &messageID,
		ApplicationProperties: map[string]interface{}{
			"event_type": eventType,
			"time":       time.Now().UTC().Format(time.RFC3339),
		},
	}

	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to send %s message", eventType)
	}
	return nil
}

// Close closes the Service Bus client
func (s *serviceBusClient) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}

// SendMessage implementation for the no-op client
func (n *noopServiceBusClient) SendMessage(ctx context.Context, eventType string, body interface{}) error {
	log.Debug().Str("event_type", eventType).Msg("Service bus disabled, dropping message")
	return nil
}

// Close implementation for the no-op client
func (n *noopServiceBusClient) Close() error {
	return nil
}
