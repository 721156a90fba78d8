//go:build !unix

package app

// startSignals is a no-op where SIGUSR1/SIGUSR2 do not exist.
func (a *App) startSignals() {}
