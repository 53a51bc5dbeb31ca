package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

type persistOp struct {
	name string
	fn   func(ctx context.Context) error
}

// persister 把写 Etcd 的操作挪到后台执行，不阻塞调用方
// 队列满了就丢弃这次写入，以内存中的 registry 为准
type persister struct {
	ops     chan persistOp
	timeout time.Duration
	logger  *log.Entry
}

func newPersister(size int, timeout time.Duration) *persister {
	if size <= 0 {
		size = 1
	}
	return &persister{
		ops:     make(chan persistOp, size),
		timeout: timeout,
		logger:  log.WithField("component", "persister"),
	}
}

func (p *persister) enqueue(name string, fn func(ctx context.Context) error) {
	select {
	case p.ops <- persistOp{name: name, fn: fn}:
	default:
		p.logger.Warnf("persistence queue full, dropping %s", name)
	}
}

// run 持续执行队列中的写入，ctx 结束后把剩下的刷完
func (p *persister) run(ctx context.Context) {
	for {
		select {
		case op := <-p.ops:
			p.exec(ctx, op)
		case <-ctx.Done():
			p.drain()
			return
		}
	}
}

func (p *persister) drain() {
	for {
		select {
		case op := <-p.ops:
			p.exec(context.Background(), op)
		default:
			return
		}
	}
}

func (p *persister) exec(parent context.Context, op persistOp) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()
	if err := op.fn(ctx); err != nil {
		p.logger.WithError(err).Errorf("failed to persist %s", op.name)
	}
}
