// Package plugin implements the host's plugin lifecycle: descriptors,
// the install/resolve/start/stop/uninstall state machine, YAML manifest
// loading, a directory scanner for manifest-driven installs, lifecycle
// event listeners, and optional Redis-backed cluster synchronization.
//
// Plugins contribute extensions and scheduled jobs through the Host
// surface handed to their activation hook; on deactivation the registry
// tears all of it down, the plugin never deregisters itself.
package plugin
