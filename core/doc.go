// Package core is the credential engine: the order and credential operations,
// the completion bridge that turns host callbacks into operation steps, and
// the contracts a host implements. Adapters depend on core; core depends on
// no adapter.
package core
