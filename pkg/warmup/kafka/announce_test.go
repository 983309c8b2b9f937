package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestAnnounce_KeyedByCacheKey(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	defer func() { _ = prod.Close() }()

	prod.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		k, _ := m.Key.Encode()
		if string(k) != "north_side" {
			return errors.New("unexpected key " + string(k))
		}
		v, _ := m.Value.Encode()
		var ev ZoneRegistered
		if err := json.Unmarshal(v, &ev); err != nil {
			return err
		}
		if ev.ZoneName != "North Side" {
			return errors.New("unexpected zone " + ev.ZoneName)
		}
		return nil
	})

	if _, _, err := Announce(prod, "taz-zone-registered", "North Side", time.Now()); err != nil {
		t.Fatal(err)
	}
}

func TestAnnounce_EmptyName(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	defer func() { _ = prod.Close() }()
	if _, _, err := Announce(prod, "t", "   ", time.Now()); err == nil {
		t.Fatal("expected error for empty zone name")
	}
}
