package testutil

import (
	"context"
	"fmt"
	"sync"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
)

type fakeHandle struct {
	id      string
	profile domain.VideoProfile
}

func (h *fakeHandle) HandleID() string { return h.id }

// FakeDevices implements the capability checker, device probe and speaker
// sample with scripted results.
type FakeDevices struct {
	mu sync.Mutex

	Supported bool
	Volume    int
	AudioErr  error
	// VideoErr fails acquisition for the named resolutions.
	VideoErr map[string]error
	// Frames overrides the negotiated frame for the named resolutions.
	Frames map[string]domain.FrameSize
	// AcquireAudioHook, when set, runs before AcquireAudio returns.
	AcquireAudioHook func(ctx context.Context)

	seq      int
	live     map[string]bool
	released int
	plays    int
	stops    int
}

func NewFakeDevices() *FakeDevices {
	return &FakeDevices{
		Supported: true,
		Volume:    50,
		VideoErr:  map[string]error{},
		Frames:    map[string]domain.FrameSize{},
		live:      map[string]bool{},
	}
}

func (d *FakeDevices) CheckSystemRequirements(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Supported
}

func (d *FakeDevices) AcquireAudio(ctx context.Context) (ports.Handle, error) {
	d.mu.Lock()
	hook := d.AcquireAudioHook
	d.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AudioErr != nil {
		return nil, domain.NewDeviceError("acquire audio", domain.CodeMicrophoneAccess, d.AudioErr)
	}
	return d.newHandle("audio", domain.VideoProfile{}), nil
}

func (d *FakeDevices) AcquireVideo(ctx context.Context, profile domain.VideoProfile) (ports.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.VideoErr[profile.Resolution]; err != nil {
		return nil, domain.NewDeviceError("acquire video", domain.CodeCameraAccess, err)
	}
	return d.newHandle("video", profile), nil
}

func (d *FakeDevices) newHandle(kind string, profile domain.VideoProfile) *fakeHandle {
	d.seq++
	h := &fakeHandle{id: fmt.Sprintf("%s-%d", kind, d.seq), profile: profile}
	d.live[h.id] = true
	return h
}

func (d *FakeDevices) SampleVolume(ctx context.Context, h ports.Handle) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Volume, nil
}

func (d *FakeDevices) NegotiatedFrameArea(ctx context.Context, h ports.Handle) (domain.FrameSize, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fh, ok := h.(*fakeHandle)
	if !ok || !d.live[fh.id] {
		return domain.FrameSize{}, domain.ErrNoFrame
	}
	if size, ok := d.Frames[fh.profile.Resolution]; ok {
		return size, nil
	}
	return domain.FrameSize{Width: fh.profile.Width, Height: fh.profile.Height}, nil
}

func (d *FakeDevices) Release(h ports.Handle) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live[h.HandleID()] {
		delete(d.live, h.HandleID())
		d.released++
	}
}

// Live counts handles acquired and not yet released.
func (d *FakeDevices) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

func (d *FakeDevices) Set(fn func(d *FakeDevices)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *FakeDevices) Play(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plays++
	return nil
}

func (d *FakeDevices) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
}

func (d *FakeDevices) SpeakerCalls() (plays, stops int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.plays, d.stops
}

// FakeTransport is a scripted transport manager.
type FakeTransport struct {
	mu sync.Mutex

	OpenErr error
	Stats   domain.TransportStats

	handler func(ports.TransportEvent)
	opened  []ports.TransportConfig
	closes  int
	samples int
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		Stats: domain.TransportStats{VideoBitrate: 1_500_000, AudioBitrate: 40_000},
	}
}

func (t *FakeTransport) OnEvent(handler func(ports.TransportEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *FakeTransport) OpenReceiver(ctx context.Context, cfg ports.TransportConfig) error {
	return t.open(cfg)
}

func (t *FakeTransport) OpenSender(ctx context.Context, cfg ports.TransportConfig) error {
	return t.open(cfg)
}

func (t *FakeTransport) open(cfg ports.TransportConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return domain.NewTransportError("open session", t.OpenErr)
	}
	t.opened = append(t.opened, cfg)
	return nil
}

func (t *FakeTransport) SampleStats(ctx context.Context) (domain.TransportStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples++
	return t.Stats, nil
}

func (t *FakeTransport) CloseAll(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

// Emit delivers an event to the registered handler, if any.
func (t *FakeTransport) Emit(ev ports.TransportEvent) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (t *FakeTransport) Opened() []ports.TransportConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ports.TransportConfig(nil), t.opened...)
}

func (t *FakeTransport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *FakeTransport) Set(fn func(t *FakeTransport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

// FakeMessaging hands out clients that echo published payloads back to
// their own handler.
type FakeMessaging struct {
	mu sync.Mutex

	NewClientErr error
	LoginErr     error
	SubscribeErr error
	PublishErr   error
	// DropEvery drops every nth echo when positive.
	DropEvery int

	Clients []*FakeMessagingClient
}

func NewFakeMessaging() *FakeMessaging {
	return &FakeMessaging{}
}

func (m *FakeMessaging) NewClient(appID string) (ports.MessagingClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NewClientErr != nil {
		return nil, m.NewClientErr
	}
	c := &FakeMessagingClient{owner: m}
	m.Clients = append(m.Clients, c)
	return c, nil
}

func (m *FakeMessaging) Set(fn func(m *FakeMessaging)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

type FakeMessagingClient struct {
	owner *FakeMessaging

	mu        sync.Mutex
	handler   func(ports.InboundMessage)
	channels  map[string]bool
	published []string
	loggedIn  bool
	loggedOut bool
}

func (c *FakeMessagingClient) Login(ctx context.Context, userID, token string) error {
	c.owner.mu.Lock()
	err := c.owner.LoginErr
	c.owner.mu.Unlock()
	if err != nil {
		return domain.NewAuthError("login", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedIn = true
	return nil
}

func (c *FakeMessagingClient) Subscribe(ctx context.Context, channel string) error {
	c.owner.mu.Lock()
	err := c.owner.SubscribeErr
	c.owner.mu.Unlock()
	if err != nil {
		return domain.NewChannelError("subscribe", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels == nil {
		c.channels = map[string]bool{}
	}
	c.channels[channel] = true
	return nil
}

func (c *FakeMessagingClient) Publish(ctx context.Context, channel, payload string) error {
	c.owner.mu.Lock()
	err, dropEvery := c.owner.PublishErr, c.owner.DropEvery
	c.owner.mu.Unlock()
	if err != nil {
		return domain.NewPublishError("publish", err)
	}

	c.mu.Lock()
	c.published = append(c.published, payload)
	n := len(c.published)
	h, subscribed := c.handler, c.channels[channel]
	c.mu.Unlock()

	if h != nil && subscribed && (dropEvery <= 0 || n%dropEvery != 0) {
		h(ports.InboundMessage{Channel: channel, Payload: payload})
	}
	return nil
}

func (c *FakeMessagingClient) OnMessage(handler func(ports.InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *FakeMessagingClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	c.handler = nil
	return nil
}

func (c *FakeMessagingClient) Published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.published...)
}

func (c *FakeMessagingClient) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}
