// Package js carries the JavaScript sources the engine embeds: the lockdown
// script run at bootstrap, the bootstrap glue that builds invocation
// contexts, and the @stopgap/runtime wrapper module.
package js

import _ "embed"

//go:embed lockdown.js
var Lockdown string

//go:embed bootstrap.js
var Bootstrap string

//go:embed runtime.js
var RuntimeModule string
