package broadcast

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"
)

type WorkerConfig struct {
	Registry          *Registry
	Clock             clock.Clock
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

func (c WorkerConfig) Validate() error {
	if c.Registry == nil {
		return errors.NotValidf("missing registry")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.NotValidf("heartbeat interval %s", c.HeartbeatInterval)
	}
	if c.StaleAfter < c.HeartbeatInterval {
		return errors.NotValidf("stale threshold %s below heartbeat interval", c.StaleAfter)
	}
	return nil
}

// Worker sweeps stale connections and then heartbeats the survivors on every
// tick.
type Worker struct {
	tomb tomb.Tomb
	cfg  WorkerConfig
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{cfg: cfg}
	w.tomb.Go(w.loop)
	return w, nil
}

func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	timer := w.cfg.Clock.NewTimer(w.cfg.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			w.cfg.Registry.Close()
			return tomb.ErrDying
		case <-timer.Chan():
			if removed := w.cfg.Registry.Sweep(w.cfg.StaleAfter); len(removed) > 0 {
				logger.Infof("swept %d stale connections", len(removed))
			}
			w.cfg.Registry.Heartbeat()
			timer.Reset(w.cfg.HeartbeatInterval)
		}
	}
}
