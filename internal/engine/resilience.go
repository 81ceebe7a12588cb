package engine

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Паузы перед повторной подпиской
var (
	subscribeRetryDelay = 5 * time.Second
	reconnectDelay      = 1 * time.Second
)

// ListenStateResilient: цикл "живучей" подписки на сигналы Redis.
// Обрабатывает переподключения, логирование и разбор сигналов формата "id:true|false".
func ListenStateResilient(
	ctx context.Context,
	rdb goredis.UniversalClient,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // Callback для синхронизации при переподключении
	onMessage func(id string, status bool), // Callback для обработки сообщения
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, subscribeRetryDelay) {
				return
			}
			continue
		}

		// Вызываем синхронизацию (Init) при каждом успешном коннекте
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				id, status, ok := parseSignal(msg.Payload)
				if !ok {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(id, status)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// parseSignal разбирает "id:status". ID может содержать "/", поэтому режем по последнему ":".
func parseSignal(payload string) (string, bool, bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	switch payload[i+1:] {
	case "true", "on":
		return payload[:i], true, true
	case "false", "off":
		return payload[:i], false, true
	}
	return "", false, false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
