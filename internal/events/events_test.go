package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/mohammed-shakir/taz-flow-cache/internal/flowcache"
	mylog "github.com/mohammed-shakir/taz-flow-cache/internal/logger"
)

func TestFromEvent_ReadyAndFailed(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	ok := FromEvent(flowcache.Event{Key: "east_side", ZoneName: "East Side", Table: "d_east_side", Rows: 3, Duration: 1500 * time.Millisecond}, now)
	if ok.Status != StatusReady || ok.Rows != 3 || ok.DurationMS != 1500 || ok.Error != "" || ok.ID == "" {
		t.Fatalf("ready=%+v", ok)
	}
	if ok.TS.Location() != time.UTC {
		t.Fatalf("ts must be UTC: %v", ok.TS)
	}

	bad := FromEvent(flowcache.Event{Key: "k", Rows: 9, Err: errors.New("boom")}, now)
	if bad.Status != StatusFailed || bad.Error != "boom" || bad.Rows != 0 {
		t.Fatalf("failed=%+v", bad)
	}
	if ok.ID == bad.ID {
		t.Fatal("ids must be unique")
	}
}

func TestPublisher_WritesKeyedJSON(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Errors = true
	prod := mocks.NewAsyncProducer(t, cfg)
	prod.ExpectInputWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != "taz-materializations" {
			return fmt.Errorf("topic=%s", m.Topic)
		}
		k, _ := m.Key.Encode()
		if string(k) != "east_side" {
			return fmt.Errorf("key=%s", k)
		}
		v, _ := m.Value.Encode()
		var got Message
		if err := json.Unmarshal(v, &got); err != nil {
			return err
		}
		if got.Status != StatusReady || got.ZoneName != "East Side" || got.Rows != 2 {
			return fmt.Errorf("message=%+v", got)
		}
		return nil
	})

	p := NewWithProducer(prod, "taz-materializations", 4, mylog.Discard())
	p.Notify(flowcache.Event{Key: "east_side", ZoneName: "East Side", Table: "d_east_side", Rows: 2})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublisher_FullQueueDrops(t *testing.T) {
	p := &Publisher{events: make(chan Message, 1)}
	if !p.enqueue(Message{Key: "a"}) {
		t.Fatal("first enqueue must succeed")
	}
	if p.enqueue(Message{Key: "b"}) {
		t.Fatal("second enqueue must drop")
	}
}

func TestPublisher_NotifyAfterCloseIsDropped(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Errors = true
	prod := mocks.NewAsyncProducer(t, cfg)

	p := NewWithProducer(prod, "t", 4, mylog.Discard())
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if p.enqueue(Message{Key: "late"}) {
		t.Fatal("enqueue after close must drop")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
