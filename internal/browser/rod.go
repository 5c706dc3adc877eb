package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/model"
	logx "dispatchd/pkg/logx"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

type RodConfig struct {
	Headless bool
	// Bin overrides the Chromium binary; empty lets rod download or find one.
	Bin         string
	PageTimeout time.Duration
}

// Rod launches one Chromium per proxy and isolates every page in its own
// incognito context.
type Rod struct {
	cfg RodConfig
	log logx.Logger

	mu     sync.Mutex
	roots  map[string]*rodRoot
	closed bool
}

type rodRoot struct {
	b *rod.Browser
	l *launcher.Launcher
}

func NewRod(cfg RodConfig, log logx.Logger) *Rod {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Rod{cfg: cfg, log: log.With(logx.String("comp", "browser")), roots: map[string]*rodRoot{}}
}

func (r *Rod) root(proxy string) (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("browser closed")
	}
	if rt, ok := r.roots[proxy]; ok {
		return rt.b, nil
	}

	l := launcher.New().Headless(r.cfg.Headless).Leakless(false)
	if r.cfg.Bin != "" {
		l = l.Bin(r.cfg.Bin)
	}
	if proxy != "" {
		l = l.Proxy(proxy)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	r.roots[proxy] = &rodRoot{b: b, l: l}
	r.log.Info("browser launched", logx.Bool("headless", r.cfg.Headless), logx.Bool("proxy", proxy != ""))
	return b, nil
}

func (r *Rod) NewPage(ctx context.Context, opt Options) (Page, error) {
	root, err := r.root(strings.TrimSpace(opt.Proxy))
	if err != nil {
		return nil, err
	}
	incog, err := root.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	p, err := incog.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incog.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	if ua := strings.TrimSpace(opt.UserAgent); ua != "" {
		if err := (proto.EmulationSetUserAgentOverride{UserAgent: ua}).Call(p); err != nil {
			_ = incog.Close()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	// Detach from the creation ctx; each call supplies its own.
	return &rodPage{browser: incog.Context(context.Background()), page: p.Context(context.Background()), timeout: r.cfg.PageTimeout}, nil
}

func (r *Rod) Close() error {
	r.mu.Lock()
	roots := r.roots
	r.roots = map[string]*rodRoot{}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, rt := range roots {
		if err := rt.b.Close(); err != nil {
			errs = append(errs, err)
		}
		rt.l.Cleanup()
	}
	return errors.Join(errs...)
}

type rodPage struct {
	browser *rod.Browser
	page    *rod.Page
	timeout time.Duration
}

func (p *rodPage) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	c, cancel := p.bound(ctx)
	defer cancel()
	pg := p.page.Context(c)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	return nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	c, cancel := p.bound(ctx)
	defer cancel()
	info, err := p.page.Context(c).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) UserAgent(ctx context.Context) (string, error) {
	c, cancel := p.bound(ctx)
	defer cancel()
	obj, err := p.page.Context(c).Eval(`() => navigator.userAgent`)
	if err != nil {
		return "", err
	}
	return obj.Value.String(), nil
}

func (p *rodPage) Seed(ctx context.Context, st StorageState) error {
	c, cancel := p.bound(ctx)
	defer cancel()
	if len(st.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(st.Cookies))
		for _, ck := range st.Cookies {
			params = append(params, toCookieParam(ck))
		}
		if err := p.browser.Context(c).SetCookies(params); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}
	if len(st.Origins) == 0 {
		return nil
	}
	byOrigin := make(map[string]map[string]string, len(st.Origins))
	for _, o := range st.Origins {
		kv := make(map[string]string, len(o.LocalStorage))
		for _, nv := range o.LocalStorage {
			kv[nv.Name] = nv.Value
		}
		byOrigin[o.Origin] = kv
	}
	raw, err := json.Marshal(byOrigin)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
  const s = %s;
  const o = s[location.origin];
  if (!o) return;
  for (const [k, v] of Object.entries(o)) { try { localStorage.setItem(k, v) } catch (e) {} }
})()`, raw)
	if _, err := p.page.Context(c).EvalOnNewDocument(script); err != nil {
		return fmt.Errorf("seed local storage: %w", err)
	}
	return nil
}

func (p *rodPage) State(ctx context.Context) (StorageState, error) {
	c, cancel := p.bound(ctx)
	defer cancel()
	cookies, err := p.browser.Context(c).GetCookies()
	if err != nil {
		return StorageState{}, fmt.Errorf("get cookies: %w", err)
	}
	st := StorageState{Cookies: make([]model.Cookie, 0, len(cookies))}
	for _, ck := range cookies {
		st.Cookies = append(st.Cookies, fromCookie(ck))
	}

	obj, err := p.page.Context(c).Eval(`() => JSON.stringify({origin: location.origin, items: Object.entries(localStorage)})`)
	if err != nil {
		// about:blank and some error pages deny localStorage access.
		return st, nil
	}
	var ls struct {
		Origin string      `json:"origin"`
		Items  [][2]string `json:"items"`
	}
	if err := json.Unmarshal([]byte(obj.Value.String()), &ls); err != nil || ls.Origin == "" || ls.Origin == "null" {
		return st, nil
	}
	o := OriginState{Origin: ls.Origin, LocalStorage: make([]NameValue, 0, len(ls.Items))}
	for _, it := range ls.Items {
		o.LocalStorage = append(o.LocalStorage, NameValue{Name: it[0], Value: it[1]})
	}
	st.Origins = []OriginState{o}
	return st, nil
}

func (p *rodPage) element(c context.Context, selector string) (*rod.Element, error) {
	el, err := p.page.Context(c).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		return nil, err
	}
	return el, nil
}

func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	c, cancel := p.bound(ctx)
	defer cancel()
	el, err := p.element(c, selector)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return err
	}
	return el.Input(text)
}

func (p *rodPage) Submit(ctx context.Context, selector string) error {
	c, cancel := p.bound(ctx)
	defer cancel()
	el, err := p.element(c, selector)
	if err != nil {
		return err
	}
	return el.Type(input.Enter)
}

func (p *rodPage) Close() error {
	_ = p.page.Close()
	return p.browser.Close()
}

func toCookieParam(c model.Cookie) *proto.NetworkCookieParam {
	return &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: proto.NetworkCookieSameSite(c.SameSite),
		Expires:  proto.TimeSinceEpoch(c.Expires),
	}
}

func fromCookie(c *proto.NetworkCookie) model.Cookie {
	return model.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  float64(c.Expires),
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: string(c.SameSite),
	}
}
