package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/cv2x/internal/config"
	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/export"
	"firestige.xyz/cv2x/internal/metrics"
	"firestige.xyz/cv2x/internal/rxsub"
	"firestige.xyz/cv2x/internal/session"
	"firestige.xyz/cv2x/internal/throttle"
	"firestige.xyz/cv2x/internal/txflow"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the radio core against the simulated modem",
	Long: `Run the radio core end to end against the simulated modem.

The command will:
  1. Open a session for every configured traffic category
  2. Start the radio of the first session and wait until Tx and Rx are Active
  3. Create one SPS flow and one non-IP reception subscription
  4. Transmit on the flow and decode what loops back on the subscription
  5. Report the measured load to the throttle loop and apply adjustments
  6. Stop on SIGINT/SIGTERM or when --duration elapses`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSimulate(ctx, cfg, cmd.OutOrStdout(), simulateOpts)
	},
}

type simulateOptions struct {
	Duration    time.Duration
	Interval    time.Duration
	ServiceID   uint32
	RxPort      uint16
	InitialRate int
}

var simulateOpts simulateOptions

func init() {
	f := simulateCmd.Flags()
	f.DurationVarP(&simulateOpts.Duration, "duration", "d", 0, "stop after this long (0 = until interrupted)")
	f.DurationVar(&simulateOpts.Interval, "interval", 100*time.Millisecond, "transmit interval")
	f.Uint32Var(&simulateOpts.ServiceID, "service-id", 0x20, "service id of the SPS flow")
	f.Uint16Var(&simulateOpts.RxPort, "rx-port", 9000, "reception subscription port")
	f.IntVar(&simulateOpts.InitialRate, "filter-rate", 100, "initial filter rate the adjustments apply to")
}

type simulateStats struct {
	sent     atomic.Int64
	received atomic.Int64
	decoded  atomic.Int64
}

func runSimulate(ctx context.Context, cfg *config.GlobalConfig, w io.Writer, opts simulateOptions) error {
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	sc := newContext(cfg)
	defer sc.Close()

	sessions := make([]*session.Session, 0, len(cfg.Session.TrafficCategories))
	for _, cat := range cfg.Session.TrafficCategories {
		s, err := sc.Session(cfg.Session.Slot, cat)
		if err != nil {
			return err
		}
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		wctx, cancel := context.WithTimeout(ctx, cfg.Session.ReadyTimeout)
		err := s.WaitReady(wctx)
		cancel()
		if err != nil {
			return fmt.Errorf("session %s not ready: %w", s.Category(), err)
		}
	}

	var exp *export.Exporter
	if cfg.Export.Kafka.Enabled {
		var err error
		if exp, err = export.New(cfg.Export.Kafka); err != nil {
			return err
		}
		defer exp.Close()
		for _, s := range sessions {
			if err := s.Tracker().RegisterListener(exp.ForSession(s.Key())); err != nil {
				return err
			}
		}
	}

	primary := sessions[0]
	if err := startRadio(ctx, primary); err != nil {
		return err
	}
	caps, err := primary.Capabilities()
	if err != nil {
		return err
	}
	flow, err := openFlow(ctx, primary, caps, opts.ServiceID)
	if err != nil {
		return err
	}
	sub, err := openSubscription(ctx, primary, opts.RxPort)
	if err != nil {
		return err
	}

	acc := throttle.NewAccumulator(opts.InitialRate)
	ctrl, err := sc.Throttle()
	switch {
	case err == nil:
		if err := ctrl.RegisterListener(acc); err != nil {
			return err
		}
		if exp != nil {
			if err := ctrl.RegisterListener(exp); err != nil {
				return err
			}
		}
	case errors.Is(err, core.ErrServiceUnavailable):
		slog.Info("throttle loop disabled")
		ctrl = nil
	default:
		return err
	}

	var stats simulateStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return receiveLoop(primary.Key(), sub, exp, &stats) })
	g.Go(func() error {
		err := transmitLoop(gctx, flow, ctrl, opts.Interval, &stats)
		// unblock the receiver
		_ = primary.RxSubscriptions().CloseSubscription(sub, nil)
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	st, _ := primary.Tracker().Status()
	printf(w, "category:    %s\n", primary.Category())
	printf(w, "radio:       tx=%s rx=%s\n", st.Tx, st.Rx)
	printf(w, "sent:        %d\n", stats.sent.Load())
	printf(w, "received:    %d (%d with metadata)\n", stats.received.Load(), stats.decoded.Load())
	printf(w, "filter rate: %d after %d adjustments\n", acc.Rate(), acc.Applied())
	return nil
}

// statusWaiter signals once the radio reports Tx and Rx Active.
type statusWaiter struct {
	active chan struct{}
	fired  atomic.Bool
}

func (sw *statusWaiter) OnStatusChanged(s core.RadioStatus) {
	if s.Tx == core.StateActive && s.Rx == core.StateActive && sw.fired.CompareAndSwap(false, true) {
		close(sw.active)
	}
}

func startRadio(ctx context.Context, s *session.Session) error {
	sw := &statusWaiter{active: make(chan struct{})}
	tr := s.Tracker()
	if err := tr.RegisterListener(sw); err != nil {
		return err
	}
	defer tr.DeregisterListener(sw)

	if st, _ := tr.Status(); st.Tx == core.StateActive && st.Rx == core.StateActive {
		return nil
	}
	accepted := make(chan error, 1)
	err := tr.Start(func(err error) { accepted <- err })
	switch {
	case errors.Is(err, core.ErrAlready):
		// a transition is already under way
	case err != nil:
		return fmt.Errorf("start radio: %w", err)
	default:
		select {
		case err := <-accepted:
			if err != nil {
				return fmt.Errorf("start radio rejected: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-sw.active:
		slog.Info("radio active", "category", s.Category())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func openFlow(ctx context.Context, s *session.Session, caps core.Capabilities, serviceID uint32) (*txflow.Flow, error) {
	if len(caps.Periodicities) == 0 || len(caps.Priorities) == 0 {
		return nil, fmt.Errorf("%w: radio reports no sps periodicity or priority", core.ErrServiceUnavailable)
	}
	params := core.SPSParams{
		Priority:      caps.Priorities[0],
		Periodicity:   caps.Periodicities[len(caps.Periodicities)-1],
		ReservedBytes: min(300, caps.MTU(core.IPTypeNonIP)),
	}
	type result struct {
		f   *txflow.Flow
		err error
	}
	ch := make(chan result, 1)
	if err := s.TxFlows().CreateSpsFlow(core.IPTypeNonIP, serviceID, params, 0, func(f *txflow.Flow, err error) {
		ch <- result{f, err}
	}); err != nil {
		return nil, fmt.Errorf("create sps flow: %w", err)
	}
	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func openSubscription(ctx context.Context, s *session.Session, port uint16) (*rxsub.Subscription, error) {
	type result struct {
		sub *rxsub.Subscription
		err error
	}
	ch := make(chan result, 1)
	if err := s.RxSubscriptions().CreateSubscription(core.IPTypeNonIP, port, nil, func(sub *rxsub.Subscription, err error) {
		ch <- result{sub, err}
	}); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	select {
	case r := <-ch:
		return r.sub, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// receiveLoop counts every datagram on sub and exports it when exp is set.
func receiveLoop(session string, sub *rxsub.Subscription, exp *export.Exporter, stats *simulateStats) error {
	buf := make([]byte, 2048)
	for {
		pkt, err := sub.ReadPacket(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		stats.received.Add(1)
		if len(pkt.Reports) > 0 {
			stats.decoded.Add(1)
		}
		slog.Debug("packet received", "subscription_id", sub.ID(), "status", pkt.Status,
			"reports", len(pkt.Reports), "payload_bytes", len(pkt.Payload))
		if exp != nil {
			exp.Packet(session, sub.ID(), pkt.Status, pkt.Reports, len(pkt.Payload))
		}
	}
}

// transmitLoop writes one message per interval and reports the received
// rate to the throttle loop once per second.
func transmitLoop(ctx context.Context, flow *txflow.Flow, ctrl *throttle.Controller,
	interval time.Duration, stats *simulateStats) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

	var seq uint64
	var lastReceived int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			seq++
			if _, err := flow.Endpoint().Write(fmt.Appendf(nil, "msg-%d", seq)); err != nil {
				return fmt.Errorf("transmit on flow %d: %w", flow.ID(), err)
			}
			stats.sent.Add(1)
		case <-report.C:
			if ctrl == nil {
				continue
			}
			received := stats.received.Load()
			load := int(received - lastReceived)
			lastReceived = received
			if err := ctrl.SetVerificationLoad(load, nil); err != nil {
				slog.Warn("verification load not submitted", "load", load, "error", err)
			}
		}
	}
}
