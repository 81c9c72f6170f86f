package main

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/devices"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"campaign_engine/internal/model"
	"campaign_engine/internal/worker"
)

// visitor shares one browser process; every session gets its own
// incognito context so cookies never leak between identities.
type visitor struct {
	headless bool

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func newVisitor(headless bool) *visitor {
	return &visitor{headless: headless}
}

func (v *visitor) get() (*rod.Browser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.browser != nil {
		return v.browser, nil
	}

	l := launcher.New().Headless(v.headless)
	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, err
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, err
	}
	v.browser = b
	v.launcher = l
	return b, nil
}

func (v *visitor) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.browser != nil {
		_ = v.browser.Close()
		v.browser = nil
	}
	if v.launcher != nil {
		v.launcher.Kill()
		v.launcher = nil
	}
}

// Visit opens the target, scrolls and optionally follows one same-host
// link. Proxy refs are opaque here; the mock does not route through them.
func (v *visitor) Visit(parent context.Context, req worker.StartRequest, budget time.Duration) worker.SessionStatus {
	if budget <= 0 {
		budget = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()

	b, err := v.get()
	if err != nil {
		return worker.SessionStatus{State: worker.StatusFailed, Error: err.Error()}
	}
	incognito, err := b.Incognito()
	if err != nil {
		return worker.SessionStatus{State: worker.StatusFailed, Error: err.Error()}
	}
	defer func() { _ = incognito.Close() }()

	var c model.Counters
	err = rod.Try(func() {
		page := stealth.MustPage(incognito)
		if req.Profile == model.ProfileMobile {
			page.MustEmulate(devices.IPhoneX)
		}
		page = page.Context(ctx)

		navigate(page, req.TargetURL)
		c.PageViews++

		if req.Features.NaturalScrolling {
			c.ScrollActions += scroll(page, 2+rand.Intn(4))
		}
		if req.Features.InternalNavigation {
			if next := sameHostLink(page, req.TargetURL); next != "" {
				navigate(page, next)
				c.Navigations++
				c.PageViews++
				if req.Features.NaturalScrolling {
					c.ScrollActions += scroll(page, 1+rand.Intn(3))
				}
			}
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return worker.SessionStatus{State: worker.StatusTimeout, Counters: c, Error: ctx.Err().Error()}
		}
		return worker.SessionStatus{State: worker.StatusFailed, Counters: c, Error: err.Error()}
	}
	return worker.SessionStatus{State: worker.StatusCompleted, Success: true, Counters: c}
}

func navigate(page *rod.Page, target string) {
	waitDom := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	page.MustNavigate(target)
	waitDom()
}

func scroll(page *rod.Page, n int) int {
	for i := 0; i < n; i++ {
		page.Mouse.MustScroll(0, float64(200+rand.Intn(400)))
		time.Sleep(time.Duration(300+rand.Intn(900)) * time.Millisecond)
	}
	return n
}

func sameHostLink(page *rod.Page, base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	links, err := page.Elements("a[href]")
	if err != nil {
		return ""
	}
	var same []string
	for _, el := range links {
		href, err := el.Property("href")
		if err != nil {
			continue
		}
		s := href.Str()
		lu, err := url.Parse(s)
		if err != nil || lu.Host != u.Host || !strings.HasPrefix(lu.Scheme, "http") {
			continue
		}
		if lu.Path == u.Path {
			continue
		}
		same = append(same, s)
	}
	if len(same) == 0 {
		return ""
	}
	return same[rand.Intn(len(same))]
}
