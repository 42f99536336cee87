// liquidation-watcher tails the vault's liquidation feed from NATS and
// prints a running summary, the way a keeper bot would consume it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

type LiquidationEvent struct {
	ID           uint64    `json:"id"`
	User         string    `json:"user"`
	Asset        string    `json:"asset"`
	Size         *big.Int  `json:"size"`
	TriggerPrice *big.Int  `json:"triggerPrice"`
	Liquidated   *big.Int  `json:"liquidated"`
	Timestamp    time.Time `json:"timestamp"`
}

var (
	totalEvents int64
	totalErrors int64
)

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	subject := flag.String("subject", "vault.liquidations", "Subject to watch (use vault.liquidations.<user> for one user)")
	flag.Parse()

	log.Printf("Liquidation watcher")
	log.Printf("NATS URL: %s", *natsURL)
	log.Printf("Subject: %s", *subject)

	// Connect to NATS
	nc, err := nats.Connect(*natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(*subject, func(m *nats.Msg) {
		var event LiquidationEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			atomic.AddInt64(&totalErrors, 1)
			log.Printf("Bad event payload: %v", err)
			return
		}
		atomic.AddInt64(&totalEvents, 1)

		log.Printf("Liquidation #%d: user=%s asset=%s size=%s trigger=%s penalty=%s",
			event.ID, event.User, event.Asset,
			event.Size, event.TriggerPrice, event.Liquidated)
	})
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	log.Println("Watching...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\nEvents seen: %d, errors: %d\n",
		atomic.LoadInt64(&totalEvents), atomic.LoadInt64(&totalErrors))
}
