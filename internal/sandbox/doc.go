// Package sandbox runs tenant guest code in an embedded Lua interpreter.
//
// A Bridge converts host values to guest values and back through the
// interpreter stack. Supported kinds are numbers, strings, booleans,
// tables (arrays and string-keyed maps, nested), functions in both
// directions, nil and Null. Host functions are injected as guest globals;
// guest functions come back to the host as *GuestFunction closures that
// may return several values.
//
// A Sandbox owns one interpreter and moves from ready to disposed exactly
// once. Guest errors never escape as Go panics; they are captured as
// *GuestError values carrying the raw message and its 1-based line.
package sandbox
