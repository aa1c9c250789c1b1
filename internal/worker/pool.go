package worker

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPoolClosed    = errors.New("worker pool closed")
	ErrPoolSaturated = errors.New("worker pool saturated")
)

// Pool 固定并发上限的后台任务池，由使用方显式创建并在退出时 Close。
// Submit 不排队：达到上限立即返回 ErrPoolSaturated。
type Pool struct {
	g      errgroup.Group
	mu     sync.RWMutex
	closed bool
	log    *logrus.Logger
}

func NewPool(size int, log *logrus.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{log: log}
	p.g.SetLimit(size)
	return p
}

// Submit 提交一个任务。任务 panic 会被记录，不会带崩进程。
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	ok := p.g.TryGo(func() error {
		defer func() {
			if r := recover(); r != nil {
				p.log.Errorf("[WorkerPool] task panic: %v", r)
			}
		}()
		task()
		return nil
	})
	if !ok {
		return ErrPoolSaturated
	}
	return nil
}

// Close 拒绝新任务并等待已提交任务结束。可重复调用。
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.g.Wait()
}
