package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/config"
)

func TestDecodeJSON(t *testing.T) {
	type event struct {
		UID  int64  `json:"uid"`
		Text string `json:"text"`
	}
	ev, err := DecodeJSON[event]([]byte(`{"uid":4,"text":"pear"}`))
	require.NoError(t, err)
	assert.Equal(t, event{UID: 4, Text: "pear"}, ev)

	_, err = DecodeJSON[event]([]byte(`{"uid":`))
	assert.ErrorContains(t, err, "decoding kafka message")
}

func TestNewConsumerAppliesBatchDefaults(t *testing.T) {
	c := NewConsumer(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, "records", 0, 0, nil)
	t.Cleanup(func() { c.Close() })
	assert.Positive(t, c.batchSize)
	assert.Positive(t, c.batchDelay)
	assert.Equal(t, time.Second, c.retry.Backoff)
}
