package app

import (
	"context"
	"slices"
	"strings"

	"cadence/internal/config"
	logx "cadence/pkg/logx"
)

// sections that only take effect after a restart.
var restartSections = []string{"pool", "scheduler", "storage"}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies what can change live: logging, the debug server and
// the job set.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(a.loggerConfig(newCfg))
	}
	if slices.Contains(sections, "debug") {
		a.debug.Reconfigure(ctx, debugConfig(newCfg))
	}
	if !jobs.Empty() {
		a.log.Info("jobs changed",
			logx.Any("added", jobs.Added),
			logx.Any("removed", jobs.Removed),
			logx.Any("changed", jobs.Changed),
		)
		if err := a.jobs.Apply(newCfg.Jobs); err != nil {
			a.log.Warn("some jobs could not be registered", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}
