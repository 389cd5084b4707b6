package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/taptext/chat/internal/messaging"
)

func main() {
	log.Println("Starting audit trail consumer...")

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "taptext-auditor"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	err = natsClient.SubscribeAudit(func(subject string, data []byte) {
		switch subject {
		case messaging.SubjectAuditMessage:
			var rec messaging.MessageRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				log.Printf("[auditor] bad message record: %v", err)
				return
			}
			log.Printf("[auditor] MESSAGE server=%s id=%d from=%s to=%s len=%d at=%s",
				rec.Server, rec.ID, rec.Sender, rec.Recipient, len(rec.Body), rec.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"))

		case messaging.SubjectAuditModeration:
			var rec messaging.ModerationRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				log.Printf("[auditor] bad moderation record: %v", err)
				return
			}
			log.Printf("[auditor] MODERATION server=%s actor=%s action=%s target=%s role=%s->%s warnings=%d auto_ban=%t reason=%q",
				rec.Server, rec.Actor, rec.Action, rec.Target, rec.PrevRole, rec.Role, rec.WarningCount, rec.AutoBanned, rec.Reason)

		default:
			log.Printf("[auditor] ignoring subject %s", subject)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to audit stream: %v", err)
	}

	log.Printf("Audit trail consumer running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}
