package bus

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/pkg/exception"
)

func TestKafkaMessageCodec(t *testing.T) {
	rec := tick("BTCUSDT", 1700000000123)
	rec.Price = 36500.1

	msg, err := encodeMessage(rec, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("BTCUSDT"), msg.Key)

	got, attempt, err := decodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.Equal(t, 3, attempt)
}

func TestKafkaDecodeRejectsGarbage(t *testing.T) {
	_, _, err := decodeMessage(kafka.Message{Value: []byte("not json")})
	require.ErrorIs(t, err, exception.ErrInvalidPayload)

	_, _, err = decodeMessage(kafka.Message{Value: []byte(`{"price":1}`)})
	require.ErrorIs(t, err, exception.ErrMissingField)

	_, attempt, err := decodeMessage(kafka.Message{Value: []byte(`{"symbol":"BTCUSDT"}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)
}

func TestKafkaConfigValidate(t *testing.T) {
	require.NoError(t, KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "tickers", GroupID: "g"}.Validate())
	require.ErrorIs(t, KafkaConfig{Topic: "tickers", GroupID: "g"}.Validate(), exception.ErrInvalidArgument)

	_, err := NewKafka(KafkaConfig{}, nil)
	require.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestKafkaPublishAfterClose(t *testing.T) {
	ch, err := NewKafka(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "tickers", GroupID: "g"}, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.ErrorIs(t, ch.Publish(t.Context(), tick("BTCUSDT", 1)), exception.ErrChannelClosed)
}
