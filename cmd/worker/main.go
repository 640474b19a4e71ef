package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/notify"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// Worker consumes accepted redemptions from the queue and delivers
// attendance confirmations through the notification gateway.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:redemptions")
	}

	records := attendance.NewRepository(db.Client)
	notifier := notify.New(cfg.NotifyServiceURL, cfg.NotifySkip)

	if !cfg.NotifySkip {
		if err := notifier.Health(ctx); err != nil {
			log.Printf("WARNING: notification gateway not available: %v", err)
			log.Println("Worker will retry delivery when redemptions arrive")
		} else {
			log.Println("Notification gateway connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for redemptions...")
	for msg := range messages {
		if msg.Type != "redemption" {
			continue
		}

		id, err := strconv.ParseInt(string(msg.Body), 10, 64)
		if err != nil {
			log.Printf("bad record id %q: %v", msg.Body, err)
			continue
		}
		log.Printf("processing record %d", id)

		rec, err := records.GetRecord(ctx, id)
		if err != nil {
			log.Printf("fetch record %d failed: %v", id, err)
			continue
		}

		result, err := notifier.SendConfirmation(ctx, notify.Message{
			Roll:    rec.StudentRoll,
			Name:    rec.StudentName,
			Subject: rec.Subject,
			Period:  rec.Period,
			Status:  rec.Status,
			When:    rec.Timestamp,
		})
		if err != nil {
			log.Printf("confirmation for record %d failed: %v", id, err)
			continue
		}

		log.Printf("record %d confirmed via %s (delivered=%v)", id, result.Channel, result.Delivered)
		time.Sleep(10 * time.Millisecond) // Small delay between messages
	}

	log.Println("worker stopped")
}
