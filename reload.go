package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/guide-cache/internal/config"
	"github.com/any-hub/guide-cache/internal/logging"
)

type reloadEvent struct {
	cfg *config.Config
	err error
}

// reloadQueue 把配置监听回调转成串行事件；积压时只保留最新一次。
type reloadQueue struct {
	events chan reloadEvent
}

func newReloadQueue() *reloadQueue {
	return &reloadQueue{events: make(chan reloadEvent, 1)}
}

func (q *reloadQueue) changed(cfg *config.Config) {
	q.push(reloadEvent{cfg: cfg})
}

func (q *reloadQueue) failed(err error) {
	q.push(reloadEvent{err: err})
}

func (q *reloadQueue) push(ev reloadEvent) {
	for {
		select {
		case q.events <- ev:
			return
		default:
		}
		select {
		case <-q.events:
		default:
		}
	}
}

// drain 依次处理配置事件，直到 ctx 结束。
func (q *reloadQueue) drain(ctx context.Context, app *application, logger *logrus.Logger, configPath string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q.events:
			if ev.err != nil {
				logger.WithFields(logging.BaseFields("reload", configPath)).
					WithError(ev.err).Warn("config_reload_rejected")
				continue
			}
			app.reload(ctx, ev.cfg, configPath)
		}
	}
}

