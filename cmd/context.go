package cmd

import (
	"net/netip"

	"firestige.xyz/cv2x/internal/config"
	"firestige.xyz/cv2x/internal/session"
	"firestige.xyz/cv2x/internal/transport"
	"firestige.xyz/cv2x/internal/transport/sim"
)

// newContext builds a session context whose slots are served by simulated
// modems configured from cfg.
func newContext(cfg *config.GlobalConfig) *session.Context {
	simCfg := cfg.Transport.Sim
	dial := func(int) (transport.Transport, error) {
		opts := sim.Options{
			Capabilities:       simCfg.Capabilities,
			InitialState:       simCfg.State(),
			AdjustmentInterval: simCfg.AdjustmentInterval,
			TargetLoad:         simCfg.TargetLoad,
			AdjustmentGain:     simCfg.AdjustmentGain,
		}
		if !simCfg.UDP {
			return sim.New(opts), nil
		}
		addr, err := netip.ParseAddr(simCfg.BindAddress)
		if err != nil {
			return nil, err
		}
		m, err := sim.NewUDP(opts, addr)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return session.NewContext(dial, session.Options{
		Workers:            cfg.Dispatch.Workers,
		QueueSize:          cfg.Dispatch.QueueSize,
		StatusQueryTimeout: cfg.Session.StatusQueryTimeout,
		RequestTimeout:     cfg.Session.RequestTimeout,
		ThrottleSlot:       cfg.Session.Slot,
		DisableThrottle:    !cfg.Throttle.Enabled,
	})
}
