// Package plugin discovers, verifies and loads sandboxed plugins.
//
// A plugin is a directory holding a manifest (plugin.yaml, plugin.yml or
// plugin.json) and an entry-point source file. Loading runs these stages in
// order and stops at the first failure:
//
//	discover_manifest -> validate_manifest -> check_compatibility ->
//	static_security_scan -> sandbox_activate -> dynamic_load ->
//	instantiate -> initialize -> registered
//
// The static scan runs before the sandbox exists, so a rejected source never
// activates one. Everything acquired after that point is released in reverse
// when a later stage fails, and again on Unload.
//
// In-process plugins are compiled into the host and registered by entry
// symbol:
//
//	plugin.Register("echo.New", func(ctx context.Context, h *plugin.Host) (plugin.Plugin, error) {
//		return echo.New(h.Config())
//	})
//
// Plugins with runtime "rpc" run as separate processes; see package rpc.
package plugin
