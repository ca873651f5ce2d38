package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"avgbot/internal/config"
	"avgbot/internal/engine"
	"avgbot/internal/exchange/binance"
	"avgbot/internal/gateway"
	"avgbot/internal/ledger"
	"avgbot/internal/logger"
	"avgbot/internal/models"
	"avgbot/internal/notify"
	"avgbot/internal/orchestrator"
	"avgbot/internal/policy"
	"avgbot/internal/ratelimit"
	"avgbot/internal/reconcile"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	log.Info("Бот запущен.")

	client := binance.New(cfg.Exchange.ApiKey, cfg.Exchange.Secret, cfg.Exchange.Testnet, cfg.Exchange.WSUrl, log)

	budget := ratelimit.NewBudget(cfg.Rate.Ceiling)
	backoff := ratelimit.NewBackoff(cfg.Rate.SoftRetryAfter, cfg.Rate.HardBan)
	gw := gateway.New(client, budget, backoff, cfg.Rate.CallTimeout, log)

	store, err := ledger.NewStore(cfg.Runtime.StateFile)
	if err != nil {
		log.WithError(err).Fatal("Хранилище состояния недоступно.")
	}
	led := ledger.New(store, cfg.Bot.CycleCap, cfg.Bot.QtyStep, log)

	tg := notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, log)
	rec := reconcile.New(gw, led, tg, cfg.Reconcile.Interval, cfg.Reconcile.Tolerance, log)

	side := models.OrderSideBuy
	if cfg.Bot.Side == string(models.OrderSideSell) {
		side = models.OrderSideSell
	}
	signals := policy.NewKlineSignals(gw, side, log)
	eval := policy.New(cfg.Exit, signals, log)

	orch := orchestrator.New(gw, led, tg, cfg.Runtime.DryRun, log)
	eng := engine.New(cfg.Bot, client, gw, led, eval, orch, rec, tg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Runtime.Metrics != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Runtime.Metrics, nil); err != nil {
				log.WithError(err).Error("Сервер метрик завершился.")
			}
		}()
	}

	go func() {
		if err := eng.Run(ctx); err != nil {
			log.WithError(err).Fatal("Движок завершился с ошибкой.")
		}
	}()
	<-sigCh

	cancel()

	log.Info("Бот остановлен.")
}
