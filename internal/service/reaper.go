package service

import (
	"context"
	"time"

	applog "github.com/K9Crypt/website/internal/log"
	"github.com/robfig/cron/v3"
)

// Reaper 按 cron 计划物理删除过期房间。过期房间在读取路径上已经不可见，
// 回收只是释放存储。
type Reaper struct {
	rooms *RoomService
	cron  *cron.Cron
}

func NewReaper(rooms *RoomService, schedule string) (*Reaper, error) {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	r := &Reaper{rooms: rooms, cron: c}
	if _, err := c.AddFunc(schedule, r.RunOnce); err != nil {
		return nil, err
	}
	return r, nil
}

// RunOnce 执行一次回收。
func (r *Reaper) RunOnce() {
	logger := applog.Component("reaper")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := r.rooms.ReapExpired(ctx)
	if err != nil {
		logger.Error().Err(err).Int("reaped", n).Msg("reap expired rooms")
		return
	}
	if n > 0 {
		logger.Info().Int("reaped", n).Msg("expired rooms removed")
	}
}

func (r *Reaper) Start() { r.cron.Start() }

// Stop 停止调度并等待正在执行的回收结束。
func (r *Reaper) Stop() context.Context { return r.cron.Stop() }
