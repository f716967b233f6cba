package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	exchange   string
	routingKey string
	body       interface{}
	err        error
}

func (f *fakeProducer) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	f.exchange, f.routingKey, f.body = exchange, routingKey, body
	return f.err
}

func TestAMQPPublisherRoutesByEventType(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewAMQPPublisher(producer, "billpay.transactions")

	tx := &models.Transaction{ID: uuid.New(), Reference: "RFD-1", Status: models.StatusSuccess, Amount: 100}
	event := models.NewTransactionEvent(models.EventRefunded, tx, 500, time.Now())

	require.NoError(t, pub.Publish(context.Background(), event))
	assert.Equal(t, "billpay.transactions", producer.exchange)
	assert.Equal(t, "transaction.refunded", producer.routingKey)
	assert.Equal(t, event, producer.body)
}

func TestAMQPPublisherReturnsTransportError(t *testing.T) {
	producer := &fakeProducer{err: errors.New("channel closed")}
	pub := NewAMQPPublisher(producer, "x")

	err := pub.Publish(context.Background(), models.TransactionEvent{Type: models.EventSettled})
	assert.EqualError(t, err, "channel closed")
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(context.Background(), models.TransactionEvent{Type: models.EventReserved})
	_ = r.Publish(context.Background(), models.TransactionEvent{Type: models.EventSettled})

	assert.Equal(t, []models.EventType{models.EventReserved, models.EventSettled}, r.Types())
	assert.Len(t, r.Events(), 2)
}
