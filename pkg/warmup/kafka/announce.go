package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/keys"
)

// Announce publishes a ZoneRegistered event keyed by the zone's cache key,
// so every announcement for one zone lands on the same partition.
func Announce(prod sarama.SyncProducer, topic, zoneName string, now time.Time) (partition int32, offset int64, err error) {
	key := keys.Normalize(zoneName)
	if key == "" {
		return 0, 0, fmt.Errorf("announce: empty zone name")
	}
	b, err := json.Marshal(ZoneRegistered{ZoneName: zoneName, TS: now.UTC()})
	if err != nil {
		return 0, 0, fmt.Errorf("announce: marshal: %w", err)
	}
	partition, offset, err = prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("announce %s: %w", key, err)
	}
	return partition, offset, nil
}
