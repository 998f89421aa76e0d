package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/config"
	"github.com/example/rideshare-matching/internal/dispatch"
	"github.com/example/rideshare-matching/internal/events"
	"github.com/example/rideshare-matching/internal/logging"
	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/profile"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total request event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	notificationsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_notifications_sent_total",
		Help: "Total notifications delivered to at least one channel",
	})
	notificationsUndeliverable = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_notifications_undeliverable_total",
		Help: "Total notifications whose user had no reachable device",
	})
	notificationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_notification_errors_total",
		Help: "Total notifications that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, notificationsSent, notificationsUndeliverable, notificationErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.New("ride-matching-notifier", cfg.LogLevel, cfg.Env)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	notifier := dispatch.Multi{&dispatch.RedisPublisher{Client: rc, Channel: cfg.NotifyChannel}}
	if cfg.FCMEndpoint != "" {
		tokens := profile.NewCache(profile.NewRedisSource(rc), time.Minute)
		notifier = append(notifier, dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey, tokens))
	} else {
		log.Info("FCM_ENDPOINT not set, push delivery disabled")
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		log.Info("metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Info("consumer listening",
		zap.String("topic", cfg.KafkaTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroup))

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down consumer")
				return
			}
			log.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		handleMessage(ctx, log, notifier, m, cfg.DeliveryAttempts, cfg.DeliveryBackoff)
	}
}

// handleMessage decodes one request event and notifies its counterpart.
func handleMessage(ctx context.Context, log *zap.Logger, n dispatch.Notifier, m kafka.Message, attempts int, delay time.Duration) {
	msgsConsumed.Inc()
	ev, err := events.Decode(m)
	if err != nil {
		msgsInvalid.Inc()
		log.Warn("invalid message", zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}
	note, ok := dispatch.NotificationFor(ev)
	if !ok {
		return
	}
	err = deliverWithRetry(ctx, n, note, attempts, delay)
	switch {
	case err == nil:
		notificationsSent.Inc()
	case errors.Is(err, dispatch.ErrNoDevice):
		notificationsUndeliverable.Inc()
		log.Debug("no device for notification", zap.String("user_id", note.UserID), zap.String("request_id", ev.RequestID))
	default:
		notificationErrors.Inc()
		log.Error("notification failed",
			zap.String("user_id", note.UserID),
			zap.String("request_id", ev.RequestID),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
	}
}

// deliverWithRetry calls n with exponential backoff. A user without any
// device is not retried.
func deliverWithRetry(ctx context.Context, n dispatch.Notifier, note models.Notification, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = n.Notify(ctx, note)
		if err == nil || errors.Is(err, dispatch.ErrNoDevice) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
