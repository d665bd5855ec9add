package scraper

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// configToProto maps config strings to Rod protocol resource types.
var configToProto = map[string]proto.NetworkResourceType{
	"Image":      proto.NetworkResourceTypeImage,
	"Stylesheet": proto.NetworkResourceTypeStylesheet,
	"Font":       proto.NetworkResourceTypeFont,
	"Media":      proto.NetworkResourceTypeMedia,
	"Script":     proto.NetworkResourceTypeScript,
}

// challengeHosts must never be blocked: challenge widgets load their
// scripts and frames from these, and blocking them makes every
// protected page unsolvable.
var challengeHosts = []string{
	"challenges.cloudflare.com",
	"captcha-delivery.com",
	"geo.captcha-delivery.com",
	"google.com/recaptcha",
	"gstatic.com/recaptcha",
	"hcaptcha.com",
	"arkoselabs.com",
	"px-cdn.net",
}

func isChallengeURL(u string) bool {
	for _, h := range challengeHosts {
		if strings.Contains(u, h) {
			return true
		}
	}
	return false
}

// setupHijack installs a request interceptor that blocks the
// configured resource types while always letting challenge traffic
// through. Returns the running router so the caller can Stop it, or
// nil when nothing would be blocked.
func setupHijack(page *rod.Page, blockedTypes []string) *rod.HijackRouter {
	blocked := make(map[proto.NetworkResourceType]struct{}, len(blockedTypes))
	for _, name := range blockedTypes {
		if rt, ok := configToProto[name]; ok {
			blocked[rt] = struct{}{}
		}
	}
	if len(blocked) == 0 {
		return nil
	}

	router := page.HijackRequests()

	// Pattern "*" + empty resourceType intercepts everything; the
	// handler decides per request.
	_ = router.Add("*", "", func(ctx *rod.Hijack) {
		reqURL := ctx.Request.URL().String()
		if isChallengeURL(reqURL) {
			ctx.ContinueRequest(&proto.FetchContinueRequest{})
			return
		}
		if _, shouldBlock := blocked[ctx.Request.Type()]; shouldBlock {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	// router.Run() blocks; it exits when router.Stop() is called.
	go router.Run()

	return router
}
