package listener

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"realtime-service/domain"
)

// queueClient is the part of *azqueue.QueueClient the source uses.
type queueClient interface {
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// QueueSource reads envelope messages ({"channel": ..., "payload": ...}) from
// an Azure storage queue. Messages are deleted once handed to the listener.
type QueueSource struct {
	connStr   string
	queueName string
	batch     int32
	idle      time.Duration
	logger    *log.Logger

	newClient func() (queueClient, error)
}

func NewQueueSource(connStr, queueName string, logger *log.Logger) *QueueSource {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &QueueSource{connStr: connStr, queueName: queueName, batch: 32, idle: time.Second, logger: logger}
	s.newClient = func() (queueClient, error) {
		return azqueue.NewQueueClientFromConnectionString(s.connStr, s.queueName, nil)
	}
	return s
}

func (s *QueueSource) Open(ctx context.Context, _ []string) (Feed, error) {
	client, err := s.newClient()
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}
	// probe so credential and network errors show up as establishment failures
	if _, err := client.GetProperties(ctx, nil); err != nil {
		return nil, fmt.Errorf("queue properties: %w", err)
	}
	return &queueFeed{src: s, client: client}, nil
}

type queueFeed struct {
	src     *QueueSource
	client  queueClient
	pending []domain.Signal
}

func (f *queueFeed) Next(ctx context.Context) (domain.Signal, error) {
	for len(f.pending) == 0 {
		resp, err := f.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: to.Ptr(f.src.batch)})
		if err != nil {
			return domain.Signal{}, fmt.Errorf("queue receive: %w", err)
		}
		if len(resp.Messages) == 0 {
			if !sleep(ctx, f.src.idle) {
				return domain.Signal{}, ctx.Err()
			}
			continue
		}
		for _, msg := range resp.Messages {
			if msg.MessageText != nil {
				sig := domain.Signal{Name: domain.EnvelopeSignal, Payload: queuePayload(*msg.MessageText), ReceivedAt: time.Now()}
				if msg.InsertionTime != nil {
					sig.ReceivedAt = *msg.InsertionTime
				}
				f.pending = append(f.pending, sig)
			}
			if msg.MessageID == nil || msg.PopReceipt == nil {
				continue
			}
			if _, err := f.client.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
				f.src.logger.WithError(err).WithField("message", *msg.MessageID).Warn("unable to delete queue message")
			}
		}
	}
	sig := f.pending[0]
	f.pending = f.pending[1:]
	return sig, nil
}

func (f *queueFeed) Close() error { return nil }

// queuePayload accepts raw JSON or base64 encoded JSON, which is what most
// queue SDKs write by default.
func queuePayload(text string) []byte {
	if json.Valid([]byte(text)) {
		return []byte(text)
	}
	if b, err := base64.StdEncoding.DecodeString(text); err == nil && json.Valid(b) {
		return b
	}
	return []byte(text)
}
