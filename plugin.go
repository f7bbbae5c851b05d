package tdnf

import "context"

// PluginEvent is one fixed event variant a [Plugin] can observe.
//
// The original's plugin interface is a table of function pointers plus an
// opaque data blob per event; per the design document's callback-indirection
// note, that is modeled here as a small interface with a fixed, compile-time
// known set of implementations instead, so a Plugin's Handle switch is
// exhaustive and type-checked rather than keyed on an event-id constant.
type PluginEvent interface {
	pluginEvent()
}

// InitEvent fires once, before the first repo is touched.
type InitEvent struct{}

// RepoMdDownloadEndEvent fires after a repo's repomd.xml and its artifacts
// have been fetched, mirroring the original's "repo_md_download_end" hook
// (used historically by the metalink plugin to rewrite the next resolve's
// candidate URLs from the mirrorlist it just downloaded).
type RepoMdDownloadEndEvent struct {
	RepoID string
	Dir    string
	URL    string
	File   string
}

// KernelInstallEvent fires once per kernel-package install step, in place
// of the original's mvkernel plugin, which moved files out of /lib/modules
// and bind-mounted them back — a pattern whose safety across arbitrary
// transactions spec.md flags as unclear. No default Plugin touches the
// filesystem in response; an implementation that needs to must do so
// explicitly.
type KernelInstallEvent struct {
	Target Package
}

func (InitEvent) pluginEvent()             {}
func (RepoMdDownloadEndEvent) pluginEvent() {}
func (KernelInstallEvent) pluginEvent()     {}

// Plugin receives PluginEvents. A nil Plugin is the default everywhere one
// is accepted: plugin activation must be explicit (a caller assigns one),
// never implicit global registration as in the original.
type Plugin interface {
	Handle(ctx context.Context, ev PluginEvent) error
}

// FirePlugin calls p.Handle if p is non-nil, letting callers fire an event
// unconditionally without a nil check at every call site.
func FirePlugin(ctx context.Context, p Plugin, ev PluginEvent) error {
	if p == nil {
		return nil
	}
	return p.Handle(ctx, ev)
}
