package blend

import "github.com/teranos/propagator/contact"

// Max and Sum are the built-in monotone numeric combinators shipped
// alongside accept-last. Register them against a representative sample
// value (e.g. Register(float64(0), Max)) for the content type they should
// govern. A future WASM-hosted combinator can be registered the same way,
// wrapping a compiled module's invocation in a Func.

// Max keeps the larger of the two float64 values. Monotone: repeated
// application never decreases the stored value.
func Max(current, incoming contact.Value) contact.Value {
	c, ok1 := current.(float64)
	n, ok2 := incoming.(float64)
	if !ok1 || !ok2 {
		return incoming
	}
	if n > c {
		return n
	}
	return c
}

// Sum accumulates float64 values. Not monotone under repeated identical
// input (re-delivery of the same change would double-count), so callers
// relying on idempotent re-application of an unchanged value should use
// Max or accept-last instead.
func Sum(current, incoming contact.Value) contact.Value {
	c, ok1 := current.(float64)
	n, ok2 := incoming.(float64)
	if !ok1 || !ok2 {
		return incoming
	}
	return c + n
}
