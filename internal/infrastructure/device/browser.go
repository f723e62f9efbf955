package device

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

//go:embed probe.html
var probePage []byte

// BrowserConfig configures the Chrome instance used for probing.
type BrowserConfig struct {
	Bin       string // empty downloads or finds a browser
	Headless  bool
	NoSandbox bool
	Timeout   time.Duration // per operation
}

type browserHandle struct {
	id string
}

func (h browserHandle) HandleID() string { return h.id }

// Browser probes devices through a real Chrome media stack. Chrome is
// started with fake capture devices, so no hardware is needed.
type Browser struct {
	cfg    BrowserConfig
	logger *zap.SugaredLogger

	server   *http.Server
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	mu     sync.Mutex
	closed bool
}

var (
	_ ports.CapabilityChecker = (*Browser)(nil)
	_ ports.DeviceProbe       = (*Browser)(nil)
	_ ports.SpeakerSample     = (*Browser)(nil)
)

// NewBrowser launches Chrome and opens the probe page. getUserMedia needs
// a secure context, so the page is served from a localhost listener.
func NewBrowser(cfg BrowserConfig, logger *zap.SugaredLogger) (*Browser, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for probe page: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(probePage)
	})
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go server.Serve(listener)

	b := &Browser{cfg: cfg, logger: logger, server: server}

	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox).
		Set("disable-gpu").
		Set("use-fake-device-for-media-stream").
		Set("use-fake-ui-for-media-stream").
		Set("autoplay-policy", "no-user-gesture-required")
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	b.launcher = l

	controlURL, err := l.Launch()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to launch Chrome: %w", err)
	}

	b.browser = rod.New().ControlURL(controlURL)
	if err := b.browser.Connect(); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to connect to Chrome: %w", err)
	}

	url := "http://" + listener.Addr().String() + "/"
	page, err := b.browser.Timeout(cfg.Timeout).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open probe page: %w", err)
	}
	b.page = page.CancelTimeout()
	if err := b.page.Timeout(cfg.Timeout).WaitLoad(); err != nil {
		b.Close()
		return nil, fmt.Errorf("probe page did not load: %w", err)
	}

	logger.Infow("browser device probe ready", "page", url, "headless", cfg.Headless)
	return b, nil
}

func (b *Browser) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, errors.New("browser closed")
	}
	return b.page.Context(ctx).Timeout(b.cfg.Timeout).Eval(js, args...)
}

func (b *Browser) CheckSystemRequirements(ctx context.Context) bool {
	res, err := b.eval(ctx, `() => window.preflight.supported()`)
	if err != nil {
		b.logger.Warnw("capability check failed", "error", err)
		return false
	}
	return res.Value.Bool()
}

// pageResult is what the acquire helpers resolve to. Failures carry the
// DOMException name instead of throwing.
type pageResult struct {
	ID     string `json:"id"`
	Error  string `json:"error"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func decode(res *proto.RuntimeRemoteObject) (pageResult, error) {
	var out pageResult
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func acquired(res *proto.RuntimeRemoteObject) (ports.Handle, error) {
	out, err := decode(res)
	if err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	return browserHandle{id: out.ID}, nil
}

func (b *Browser) AcquireAudio(ctx context.Context) (ports.Handle, error) {
	res, err := b.eval(ctx, `() => window.preflight.acquireAudio()`)
	if err == nil {
		var h ports.Handle
		if h, err = acquired(res); err == nil {
			return h, nil
		}
	}
	return nil, domain.NewDeviceError("acquire audio", domain.CodeMicrophoneAccess, err)
}

func (b *Browser) AcquireVideo(ctx context.Context, profile domain.VideoProfile) (ports.Handle, error) {
	res, err := b.eval(ctx, `(w, h) => window.preflight.acquireVideo(w, h)`, profile.Width, profile.Height)
	if err == nil {
		var h ports.Handle
		if h, err = acquired(res); err == nil {
			return h, nil
		}
	}
	return nil, domain.NewDeviceError("acquire video "+profile.Resolution, domain.CodeCameraAccess, err)
}

func (b *Browser) SampleVolume(ctx context.Context, h ports.Handle) (int, error) {
	if h == nil {
		return 0, domain.NewDeviceError("sample volume", domain.CodeMicrophoneAccess, errors.New("no audio handle"))
	}
	res, err := b.eval(ctx, `id => window.preflight.volume(id)`, h.HandleID())
	if err != nil {
		return 0, domain.NewDeviceError("sample volume", domain.CodeMicrophoneAccess, err)
	}
	level := res.Value.Int()
	if level < 0 {
		return 0, domain.NewDeviceError("sample volume", domain.CodeMicrophoneAccess, errors.New("audio handle not live"))
	}
	return level, nil
}

func (b *Browser) NegotiatedFrameArea(ctx context.Context, h ports.Handle) (domain.FrameSize, error) {
	if h == nil {
		return domain.FrameSize{}, domain.ErrNoFrame
	}
	res, err := b.eval(ctx, `id => window.preflight.frame(id)`, h.HandleID())
	if err != nil {
		return domain.FrameSize{}, fmt.Errorf("read frame: %w", err)
	}
	if res.Value.Nil() {
		return domain.FrameSize{}, domain.ErrNoFrame
	}
	out, err := decode(res)
	if err != nil {
		return domain.FrameSize{}, fmt.Errorf("read frame: %w", err)
	}
	return domain.FrameSize{Width: out.Width, Height: out.Height}, nil
}

// Release stops the tracks of h. Teardown may run after the caller's
// context is gone, so it uses its own timeout.
func (b *Browser) Release(h ports.Handle) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	if _, err := b.eval(ctx, `id => window.preflight.release(id)`, h.HandleID()); err != nil {
		b.logger.Debugw("failed to release device", "handle", h.HandleID(), "error", err)
	}
}

// Live counts the streams the page still holds.
func (b *Browser) Live(ctx context.Context) (int, error) {
	res, err := b.eval(ctx, `() => window.preflight.live()`)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

func (b *Browser) Play(ctx context.Context) error {
	_, err := b.eval(ctx, `() => window.preflight.play()`)
	return err
}

func (b *Browser) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	if _, err := b.eval(ctx, `() => window.preflight.stop()`); err != nil {
		b.logger.Debugw("failed to stop speaker sample", "error", err)
	}
}

// Close shuts down Chrome and the page server.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.launcher != nil {
		b.launcher.Cleanup()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
