// Package version implements semantic version parsing and the platform's
// compatibility rules. It is the single authority consulted by the plugin
// registry (at resolve time) and the extension registry (at registration
// time); nothing here has side effects.
package version
