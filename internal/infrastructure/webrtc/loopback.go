package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// LoopbackManager runs the connectivity check inside the process: a
// sending session publishes synthetic audio and video over real ICE and
// DTLS-SRTP to a receiving session, which measures what arrives.
type LoopbackManager struct {
	cfg    Config
	api    *webrtc.API
	now    func() time.Time
	logger *zap.SugaredLogger

	handlerMu sync.RWMutex
	handler   func(ports.TransportEvent)

	mu       sync.Mutex
	receiver *receiverSession
	sender   *senderSession
	ctx      context.Context
	cancel   context.CancelFunc
	closing  bool
	stats    *StatsTracker
	joined   map[string]bool
	wg       sync.WaitGroup
}

var _ ports.TransportManager = (*LoopbackManager)(nil)

type receiverSession struct {
	participant string
	pc          *webrtc.PeerConnection
	relay       bool
}

type senderSession struct {
	participant string
	pc          *webrtc.PeerConnection
	sources     []*syntheticSource
}

func NewLoopbackManager(cfg Config, logger *zap.SugaredLogger) (*LoopbackManager, error) {
	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}
	return &LoopbackManager{
		cfg:    cfg,
		api:    api,
		now:    time.Now,
		logger: logger,
	}, nil
}

func (m *LoopbackManager) OnEvent(handler func(ports.TransportEvent)) {
	m.handlerMu.Lock()
	m.handler = handler
	m.handlerMu.Unlock()
}

func (m *LoopbackManager) emit(ev ports.TransportEvent) {
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		return
	}
	m.handlerMu.RLock()
	handler := m.handler
	m.handlerMu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

func (m *LoopbackManager) newPeerConnection(proxy domain.ProxySettings) (*webrtc.PeerConnection, error) {
	config, err := iceConfiguration(m.cfg.ICEServers, proxy)
	if err != nil {
		return nil, err
	}
	return m.api.NewPeerConnection(config)
}

// OpenReceiver creates the receiving session. Media flows once a sender
// is opened against it.
func (m *LoopbackManager) OpenReceiver(ctx context.Context, cfg ports.TransportConfig) (err error) {
	ctx, span := tracing.TraceTransport(ctx, "open_receiver", cfg.Participant)
	defer func() { tracing.End(span, err) }()
	return m.openReceiver(ctx, cfg)
}

func (m *LoopbackManager) openReceiver(ctx context.Context, cfg ports.TransportConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.receiver != nil {
		return domain.NewTransportError("open receiver", ErrSessionOpen)
	}

	pc, err := m.newPeerConnection(cfg.Proxy)
	if err != nil {
		return domain.NewTransportError("open receiver", err)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return domain.NewTransportError("open receiver", err)
		}
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.closing = false
	m.stats = NewStatsTracker(m.now)
	m.joined = make(map[string]bool)
	m.receiver = &receiverSession{participant: cfg.Participant, pc: pc, relay: cfg.Proxy.Enabled}

	log := m.logger.With("participant", cfg.Participant, "channel", cfg.Channel, "role", "receiver")
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infow("peer connection state changed", "connection_state", state)
		m.emit(ports.TransportEvent{
			Type:        ports.EventConnectionStateChanged,
			Participant: cfg.Participant,
			State:       connectionState(state),
		})
	})
	pc.OnTrack(m.handleTrack(m.ctx, m.stats, log))

	log.Infow("receiver session opened",
		"proxy_enabled", cfg.Proxy.Enabled,
		"proxy_mode", cfg.Proxy.Mode,
	)
	return nil
}

// OpenSender creates the sending session, negotiates it with the
// receiver and starts the synthetic media.
func (m *LoopbackManager) OpenSender(ctx context.Context, cfg ports.TransportConfig) (err error) {
	ctx, span := tracing.TraceTransport(ctx, "open_sender", cfg.Participant)
	defer func() { tracing.End(span, err) }()
	return m.openSender(ctx, cfg)
}

func (m *LoopbackManager) openSender(ctx context.Context, cfg ports.TransportConfig) error {
	m.mu.Lock()
	receiver, sessionCtx := m.receiver, m.ctx
	if receiver == nil {
		m.mu.Unlock()
		return domain.NewTransportError("open sender", ErrReceiverMissing)
	}
	if m.sender != nil {
		m.mu.Unlock()
		return domain.NewTransportError("open sender", ErrSessionOpen)
	}
	m.mu.Unlock()

	pc, err := m.newPeerConnection(cfg.Proxy)
	if err != nil {
		return domain.NewTransportError("open sender", err)
	}

	session := &senderSession{participant: cfg.Participant, pc: pc}
	audio, err := newAudioSource(cfg.Participant, m.cfg.AudioBitrate)
	if err != nil {
		pc.Close()
		return domain.NewTransportError("open sender", err)
	}
	video, err := newVideoSource(cfg.Participant, m.cfg.VideoBitrate)
	if err != nil {
		pc.Close()
		return domain.NewTransportError("open sender", err)
	}

	log := m.logger.With("participant", cfg.Participant, "channel", cfg.Channel, "role", "sender")
	var rtpSenders []*webrtc.RTPSender
	for _, source := range []*syntheticSource{audio, video} {
		rtpSender, err := pc.AddTrack(source.track)
		if err != nil {
			pc.Close()
			return domain.NewTransportError("open sender", err)
		}
		session.sources = append(session.sources, source)
		rtpSenders = append(rtpSenders, rtpSender)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infow("peer connection state changed", "connection_state", state)
	})

	negotiateCtx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationTimeout)
	defer cancel()
	if err := negotiate(negotiateCtx, receiver.pc, pc); err != nil {
		pc.Close()
		return domain.NewTransportError("negotiate", err)
	}

	m.mu.Lock()
	if m.receiver != receiver || m.closing {
		m.mu.Unlock()
		pc.Close()
		return domain.NewTransportError("open sender", ErrReceiverMissing)
	}
	m.sender = session
	for i, source := range session.sources {
		m.spawn(func() { source.readRTCP(rtpSenders[i], log) })
		m.spawn(func() { source.run(sessionCtx, log) })
	}
	m.mu.Unlock()

	log.Infow("sender session opened",
		"video_bitrate", m.cfg.VideoBitrate,
		"audio_bitrate", m.cfg.AudioBitrate,
	)
	return nil
}

// negotiate runs offer/answer between the two peer connections with
// complete candidate lists, so no trickle signalling is needed.
func negotiate(ctx context.Context, offerer, answerer *webrtc.PeerConnection) error {
	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := waitGathering(ctx, gathered); err != nil {
		return err
	}

	if err := answerer.SetRemoteDescription(*offerer.LocalDescription()); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered = webrtc.GatheringCompletePromise(answerer)
	if err := answerer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := waitGathering(ctx, gathered); err != nil {
		return err
	}

	if err := offerer.SetRemoteDescription(*answerer.LocalDescription()); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func waitGathering(ctx context.Context, gathered <-chan struct{}) error {
	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
}

func (m *LoopbackManager) handleTrack(ctx context.Context, stats *StatsTracker, log *zap.SugaredLogger) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		participant := track.StreamID()
		log.Infow("remote track started",
			"remote", participant,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
			"ssrc", track.SSRC(),
		)

		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			return
		}
		first := !m.joined[participant]
		m.joined[participant] = true
		m.spawn(func() { m.readTrack(track, stats, participant, log) })
		if track.Kind() == webrtc.RTPCodecTypeVideo && m.cfg.PLIInterval > 0 {
			m.spawn(func() { m.requestKeyframes(ctx, track) })
		}
		m.spawn(func() {
			for {
				if _, _, err := receiver.ReadRTCP(); err != nil {
					return
				}
			}
		})
		m.mu.Unlock()

		if first {
			m.emit(ports.TransportEvent{Type: ports.EventParticipantJoined, Participant: participant})
		}
	}
}

// spawn starts a session goroutine. Callers hold m.mu and have checked
// that the manager is not closing.
func (m *LoopbackManager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// readTrack counts every packet of a remote track. A track that ends
// while the session is open means the participant went away.
func (m *LoopbackManager) readTrack(track *webrtc.TrackRemote, stats *StatsTracker, participant string, log *zap.SugaredLogger) {
	ssrc := uint32(track.SSRC())
	kind := track.Kind()
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			m.mu.Lock()
			left := !m.closing && m.joined[participant]
			if left {
				delete(m.joined, participant)
			}
			m.mu.Unlock()
			if left {
				log.Warnw("remote track ended", "remote", participant, "error", err)
				m.emit(ports.TransportEvent{Type: ports.EventParticipantLeft, Participant: participant})
			}
			return
		}
		stats.Observe(ssrc, kind, packet.SequenceNumber, len(packet.Payload))
	}
}

func (m *LoopbackManager) requestKeyframes(ctx context.Context, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(m.cfg.PLIInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		receiver := m.receiver
		m.mu.Unlock()
		if receiver == nil {
			return
		}
		if err := receiver.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			return
		}
	}
}

// SampleStats returns the receive statistics since the previous sample.
func (m *LoopbackManager) SampleStats(ctx context.Context) (domain.TransportStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiver == nil || m.stats == nil {
		return domain.TransportStats{}, domain.NewTransportError("sample stats", ErrReceiverMissing)
	}
	return m.stats.Sample(), nil
}

// nacks reports how many retransmissions the receiver requested.
func (s *senderSession) nacks() int64 {
	var total int64
	for _, source := range s.sources {
		total += source.nacks.Load()
	}
	return total
}

// CloseAll closes both sessions and waits for their goroutines. It is
// safe to call at any time and any number of times.
func (m *LoopbackManager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	sender, receiver, cancel := m.sender, m.receiver, m.cancel
	m.sender, m.receiver, m.cancel = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	if sender != nil {
		m.logger.Debugw("closing sender session", "participant", sender.participant, "nacks", sender.nacks())
		if err := sender.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sender: %w", err))
		}
	}
	if receiver != nil {
		if err := receiver.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close receiver: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for media goroutines: %w", ctx.Err()))
	}

	if err := errors.Join(errs...); err != nil {
		return domain.NewTransportError("close", err)
	}
	return nil
}

func connectionState(state webrtc.PeerConnectionState) ports.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ports.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ports.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ports.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ports.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return ports.StateClosed
	default:
		return ports.StateNew
	}
}
