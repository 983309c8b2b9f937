// Command warmup-publish announces zones on the warm-up topic so a running
// flowsvc computes their flows before the first request.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/taz-flow-cache/internal/core/config"
	warmup "github.com/mohammed-shakir/taz-flow-cache/pkg/warmup/kafka"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	topic := flag.String("topic", cfg.Warmup.Topic, "warm-up topic")
	brokers := flag.String("brokers", strings.Join(cfg.Warmup.Brokers, ","), "comma-separated Kafka brokers")
	flag.Parse()

	zones := flag.Args()
	if len(zones) == 0 {
		fmt.Fprintln(os.Stderr, "usage: warmup-publish [-topic t] [-brokers b] ZONE_NAME...")
		return 2
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Version = sarama.V2_5_0_0
	prod, err := sarama.NewSyncProducer(strings.Split(*brokers, ","), sc)
	if err != nil {
		fmt.Fprintln(os.Stderr, "producer create:", err)
		return 1
	}
	defer func() { _ = prod.Close() }()

	failed := 0
	for _, z := range zones {
		p, off, err := warmup.Announce(prod, *topic, z, time.Now())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			failed++
			continue
		}
		fmt.Printf("announced %q partition=%d offset=%d\n", z, p, off)
	}
	if failed > 0 {
		return 1
	}
	return 0
}
