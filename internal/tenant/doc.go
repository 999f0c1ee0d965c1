// Package tenant runs each repository's automation script through its
// lifecycle.
//
// A tenant is identified by its bus.TenantKey. Its script is a sequence of
// named components that are wrapped and concatenated into one bundle,
// executed in a fresh sandbox per generation. Reloading a tenant tears the
// previous generation down completely (event subscriptions, scheduled jobs,
// interpreter) before the next one starts, so two generations never react
// to the same event.
//
// Guest errors are reported against the component and component-local
// line they came from, using the LineOffsetTable recorded while bundling.
package tenant
