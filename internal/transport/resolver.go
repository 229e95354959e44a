package transport

import (
	"strings"

	"github.com/Amnesic-Systems/veil-client/internal/session"
)

// Resolver maps a request URL to the API context whose session and
// credentials the request needs.
type Resolver interface {
	Resolve(url string) session.APIContext
}

// ResolverFunc turns a function into a Resolver.
type ResolverFunc func(url string) session.APIContext

func (f ResolverFunc) Resolve(url string) session.APIContext {
	return f(url)
}

// PrefixResolver resolves a URL to the context whose base URL is the longest
// prefix of the URL.  URLs that match neither belong to the app.
type PrefixResolver struct {
	AppURL      string
	PlatformURL string
}

func (r PrefixResolver) Resolve(url string) session.APIContext {
	app := r.AppURL != "" && strings.HasPrefix(url, r.AppURL)
	platform := r.PlatformURL != "" && strings.HasPrefix(url, r.PlatformURL)
	if platform && (!app || len(r.PlatformURL) > len(r.AppURL)) {
		return session.Platform
	}
	return session.App
}
