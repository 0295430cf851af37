// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/session/lib/version"
	"github.com/bureau-foundation/session/negotiation"
	"github.com/bureau-foundation/session/transport"
)

const (
	alphaLocalpart = "session/alpha"
	betaLocalpart  = "session/beta"
)

func main() {
	os.Exit(run())
}

func run() int {
	var socketPath string
	var timeout time.Duration
	var verbose bool

	flagSet := pflag.NewFlagSet("session-check", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "route signaling through a SignalServer on this Unix socket path")
	flagSet.DurationVar(&timeout, "timeout", 60*time.Second, "overall deadline for the check")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	// Handle --version before flag parsing to match other session binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("session-check %s\n", version.Info())
		return 0
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if arguments := flagSet.Args(); len(arguments) > 0 {
		fmt.Fprintf(os.Stderr, "error: unexpected argument: %s\n", arguments[0])
		return 2
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runCheck(ctx, socketPath, logger); err != nil {
		fmt.Fprintf(os.Stderr, "session-check failed: %v\n", err)
		return 1
	}
	fmt.Println("session-check passed")
	return 0
}

// runCheck drives both negotiation rounds against a fresh registry and
// verifies the observer saw exactly the expected callback sequence.
func runCheck(ctx context.Context, socketPath string, logger *slog.Logger) error {
	alphaSignaler, betaSignaler, cleanup, err := buildSignalers(ctx, socketPath, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	observer := &checkObserver{logger: logger}
	registry := negotiation.NewTransportRegistry(observer, observer, logger)
	defer registry.DestroyAllTransports()
	bundles := negotiation.NewBundleManager()

	audioTransport, betaAudio, err := connectPair(ctx, "audio", alphaSignaler, betaSignaler, logger)
	if err != nil {
		return fmt.Errorf("negotiating audio transport: %w", err)
	}
	defer betaAudio.Close()

	if err := commitRound(ctx, registry, bundles, audioTransport, betaAudio, logger); err != nil {
		return err
	}
	if err := rollbackRound(ctx, registry, bundles, audioTransport, alphaSignaler, betaSignaler, observer, logger); err != nil {
		return err
	}

	// Two committed mappings, one tentative mapping; one removal and
	// one destruction from the rollback.
	if observer.mapped != 3 || observer.unmapped != 1 || observer.destroyed != 1 {
		return fmt.Errorf("observer saw %d mappings, %d removals, %d destructions; want 3, 1, 1",
			observer.mapped, observer.unmapped, observer.destroyed)
	}
	return nil
}

// buildSignalers returns the signaling clients for both endpoints: a
// shared MemorySignaler by default, or two SocketSignaler clients
// against a SignalServer spawned on socketPath.
func buildSignalers(ctx context.Context, socketPath string, logger *slog.Logger) (alpha, beta transport.Signaler, cleanup func(), err error) {
	if socketPath == "" {
		store := transport.NewMemorySignaler()
		return store, store, func() {}, nil
	}

	server := transport.NewSignalServer(socketPath, logger)
	serverCtx, stopServer := context.WithCancel(ctx)
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(serverCtx) }()

	select {
	case <-server.Ready():
	case err := <-serveDone:
		stopServer()
		return nil, nil, nil, fmt.Errorf("starting signal server: %w", err)
	case <-ctx.Done():
		stopServer()
		return nil, nil, nil, ctx.Err()
	}

	cleanup = func() {
		stopServer()
		if err := <-serveDone; err != nil {
			logger.Warn("signal server exited with error", "error", err)
		}
	}
	return transport.NewSocketSignaler(socketPath), transport.NewSocketSignaler(socketPath), cleanup, nil
}

// connectPair negotiates one transport pair between the two endpoints.
// Alpha takes the offerer role, beta answers, and the call returns once
// both sides report establishment.
func connectPair(ctx context.Context, name string, alphaSignaler, betaSignaler transport.Signaler, logger *slog.Logger) (*transport.PeerTransport, *transport.PeerTransport, error) {
	alphaEndpoint, err := transport.NewPeerTransport(transport.PeerTransportConfig{
		Name:          name,
		Localpart:     alphaLocalpart,
		PeerLocalpart: betaLocalpart,
		Signaler:      alphaSignaler,
		Logger:        logger.With("endpoint", "alpha"),
	})
	if err != nil {
		return nil, nil, err
	}
	betaEndpoint, err := transport.NewPeerTransport(transport.PeerTransportConfig{
		Name:          name,
		Localpart:     betaLocalpart,
		PeerLocalpart: alphaLocalpart,
		Signaler:      betaSignaler,
		Logger:        logger.With("endpoint", "beta"),
	})
	if err != nil {
		alphaEndpoint.Close()
		return nil, nil, err
	}

	offerDone := make(chan error, 1)
	go func() { offerDone <- alphaEndpoint.Offer(ctx) }()

	offer, err := awaitOffer(ctx, betaSignaler)
	if err == nil {
		err = betaEndpoint.Answer(ctx, offer)
	}
	if offerErr := <-offerDone; err == nil {
		err = offerErr
	}
	if err != nil {
		alphaEndpoint.Close()
		betaEndpoint.Close()
		return nil, nil, err
	}
	return alphaEndpoint, betaEndpoint, nil
}

// awaitOffer polls beta's signaler until alpha's offer arrives.
func awaitOffer(ctx context.Context, signaler transport.Signaler) (transport.SignalMessage, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		offers, err := signaler.PollOffers(ctx, betaLocalpart)
		if err != nil {
			return transport.SignalMessage{}, err
		}
		for _, offer := range offers {
			if offer.PeerLocalpart == alphaLocalpart {
				return offer, nil
			}
		}
		select {
		case <-ctx.Done():
			return transport.SignalMessage{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// commitRound negotiates the bundled audio and video mids onto the
// shared transport, proves data flows over it, and commits the
// mappings.
func commitRound(ctx context.Context, registry *negotiation.TransportRegistry, bundles *negotiation.BundleManager, audioTransport, betaAudio *transport.PeerTransport, logger *slog.Logger) error {
	bundles.Update([]*negotiation.BundleGroup{
		negotiation.NewBundleGroup(negotiation.GroupKindBundle, "audio", "video"),
	})

	// The transport registers under the bundle's first mid; every mid
	// in the group then maps onto it.
	registry.RegisterTransport("audio", audioTransport)
	group := bundles.GroupForMid("audio")
	if group == nil {
		return fmt.Errorf("bundle manager lost the audio group")
	}
	for _, mid := range group.Mids() {
		if !registry.SetTransportForMid(mid, audioTransport) {
			return fmt.Errorf("mapping mid %q was rejected", mid)
		}
	}
	if registry.TransportForMid("video") != audioTransport {
		return fmt.Errorf("bundled mid %q is not served by the shared transport", "video")
	}

	// Prove the negotiated transport carries data.
	echoDone := make(chan error, 1)
	go func() { echoDone <- echoOneChannel(ctx, betaAudio) }()

	probe, err := audioTransport.OpenChannel(ctx, "probe")
	if err != nil {
		return fmt.Errorf("opening probe channel: %w", err)
	}
	defer probe.Close()

	payload := []byte("bundled transport probe")
	if _, err := probe.Write(payload); err != nil {
		return fmt.Errorf("writing probe payload: %w", err)
	}
	reply := make([]byte, len(payload))
	if _, err := io.ReadFull(probe, reply); err != nil {
		return fmt.Errorf("reading probe reply: %w", err)
	}
	if !bytes.Equal(reply, payload) {
		return fmt.Errorf("probe reply %q does not match payload %q", reply, payload)
	}
	if err := <-echoDone; err != nil {
		return fmt.Errorf("remote echo: %w", err)
	}

	registry.CommitTransports()
	logger.Info("commit round passed", "mids", group.Mids())
	return nil
}

// echoOneChannel accepts a single inbound channel on the remote
// endpoint and writes back everything from the first read. The channel
// stays open afterward; it is reaped with its transport.
func echoOneChannel(ctx context.Context, endpoint *transport.PeerTransport) error {
	conn, err := endpoint.AcceptChannel(ctx)
	if err != nil {
		return err
	}
	buffer := make([]byte, 4096)
	bytesRead, err := conn.Read(buffer)
	if err != nil {
		return err
	}
	_, err = conn.Write(buffer[:bytesRead])
	return err
}

// rollbackRound stages a tentative screen transport on top of the
// committed state and unwinds it, verifying the committed mapping
// survives and the tentative transport is reclaimed.
func rollbackRound(ctx context.Context, registry *negotiation.TransportRegistry, bundles *negotiation.BundleManager, audioTransport *transport.PeerTransport, alphaSignaler, betaSignaler transport.Signaler, observer *checkObserver, logger *slog.Logger) error {
	screenTransport, betaScreen, err := connectPair(ctx, "screen", alphaSignaler, betaSignaler, logger)
	if err != nil {
		return fmt.Errorf("negotiating screen transport: %w", err)
	}
	defer betaScreen.Close()

	// The tentative round's grouping: the committed bundle plus a new
	// standalone screen group.
	bundles.Update([]*negotiation.BundleGroup{
		negotiation.NewBundleGroup(negotiation.GroupKindBundle, "audio", "video"),
		negotiation.NewBundleGroup(negotiation.GroupKindBundle, "screen"),
	})

	registry.RegisterTransport("screen", screenTransport)
	if !registry.SetTransportForMid("screen", screenTransport) {
		return fmt.Errorf("mapping mid %q was rejected", "screen")
	}
	if registry.TransportForMid("screen") != screenTransport {
		return fmt.Errorf("mid %q is not served by the tentative transport", "screen")
	}

	destroyedBefore := observer.destroyed
	registry.RollbackTransports()

	// The grouping source reverts to the committed description.
	bundles.Update([]*negotiation.BundleGroup{
		negotiation.NewBundleGroup(negotiation.GroupKindBundle, "audio", "video"),
	})

	if registry.TransportForMid("screen") != nil {
		return fmt.Errorf("mid %q still mapped after rollback", "screen")
	}
	if registry.TransportByName("screen") != nil {
		return fmt.Errorf("tentative transport still owned after rollback")
	}
	if registry.TransportForMid("audio") != audioTransport || registry.TransportForMid("video") != audioTransport {
		return fmt.Errorf("committed mids no longer map to the committed transport after rollback")
	}
	if destroyed := observer.destroyed - destroyedBefore; destroyed != 1 {
		return fmt.Errorf("rollback destroyed %d transports, want 1", destroyed)
	}
	logger.Info("rollback round passed")
	return nil
}

// checkObserver counts the registry's observer callbacks so the check
// can assert on exactly how many mappings, removals, and destructions
// a run produces.
type checkObserver struct {
	logger    *slog.Logger
	mapped    int
	unmapped  int
	destroyed int
}

func (o *checkObserver) TransportChanged(mid string, assigned negotiation.Transport) bool {
	if assigned == nil {
		o.unmapped++
		o.logger.Debug("observer: mid unmapped", "mid", mid)
		return true
	}
	o.mapped++
	o.logger.Debug("observer: mid mapped", "mid", mid)
	return true
}

func (o *checkObserver) TransportDestroyed() {
	o.destroyed++
	o.logger.Debug("observer: transport destroyed")
}
