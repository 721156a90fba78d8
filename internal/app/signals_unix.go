//go:build unix

package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tasksched/internal/control"
	logx "tasksched/pkg/logx"
)

// startSignals maps SIGUSR1 to Execute and SIGUSR2 to Paused. SIGINT and
// SIGTERM are left to the caller's context.
func (a *App) startSignals() {
	sig := make(chan os.Signal, 4)
	signal.Notify(sig, syscall.SIGUSR1, syscall.SIGUSR2)
	_ = a.sup.Go("signals", func(c context.Context) error {
		defer signal.Stop(sig)
		for {
			select {
			case <-c.Done():
				return nil
			case s := <-sig:
				act := control.Execute
				if s == syscall.SIGUSR2 {
					act = control.Paused
				}
				a.log.Debug("signal received", logx.String("signal", s.String()), logx.String("action", act.String()))
				a.ctrl.Send(act)
			}
		}
	})
}
